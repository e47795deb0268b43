// Command modulectl is a read-only CLI client for moduled's introspection
// surface: it issues HTTP GETs against /v1/info, /v1/workstate,
// /v1/modules, /v1/modules/{peer}/{module}, and /v1/history/{peer}/{module},
// and opens a websocket against /v1/watch to stream state-change and
// work-state events as they happen.
//
// Grounded on minimega's phenix/cmd (cobra root command, one subcommand
// per file-scoped newXxxCmd() constructor, added via rootCmd.AddCommand in
// init()) for the CLI shape, and on its table-printing convention
// (text/tabwriter, as in cmd/igor/show.go) for tabular output.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var addr string

var rootCmd = &cobra.Command{
	Use:          "modulectl",
	Short:        "inspect a running moduled daemon",
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7890", "moduled introspection address")

	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newWorkStateCmd())
	rootCmd.AddCommand(newModulesCmd())
	rootCmd.AddCommand(newModuleCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getJSON(path string, out interface{}) error {
	return getJSONQuery(path, "", out)
}

func getJSONQuery(path, rawQuery string, out interface{}) error {
	u := url.URL{Scheme: "http", Host: addr, Path: path, RawQuery: rawQuery}
	resp, err := http.Get(u.String())
	if err != nil {
		return fmt.Errorf("modulectl: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modulectl: %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type moduleKeyDTOLocal struct {
	ModuleName string `json:"moduleName"`
	UserName   string `json:"userName,omitempty"`
}

type sysInfoDTO struct {
	Users   []string            `json:"users"`
	Modules []moduleKeyDTOLocal `json:"modules"`
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "show this host's advertised users and module catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var info sysInfoDTO
			if err := getJSON("/v1/info", &info); err != nil {
				return err
			}

			fmt.Println("users:", strings.Join(info.Users, ", "))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tMODULE")
			for _, m := range info.Modules {
				fmt.Fprintf(w, "%s\t%s\n", m.UserName, m.ModuleName)
			}
			return w.Flush()
		},
	}
}

func newWorkStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workstate",
		Short: "show the host's aggregate idle/working state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]string
			if err := getJSON("/v1/workstate", &out); err != nil {
				return err
			}
			fmt.Println(out["workState"])
			return nil
		},
	}
}

type moduleKeyDTO struct {
	PeerName   string `json:"peerName"`
	UserName   string `json:"userName,omitempty"`
	ModuleName string `json:"moduleName"`
	State      string `json:"state"`
}

func newModulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "list every module instance and its current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out []moduleKeyDTO
			if err := getJSON("/v1/modules", &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PEER\tUSER\tMODULE\tSTATE")
			for _, m := range out {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.PeerName, m.UserName, m.ModuleName, m.State)
			}
			return w.Flush()
		},
	}
}

type moduleStateDTO struct {
	State       string `json:"state"`
	FailMessage string `json:"failMessage,omitempty"`
}

func newModuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "module <peer>/[user/]<module>",
		Short: "show one module instance's current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("modulectl: module takes exactly one argument, <peer>/[user/]<module>")
			}

			parts := strings.Split(args[0], "/")
			var path string
			switch len(parts) {
			case 2:
				path = fmt.Sprintf("/v1/modules/%s/%s", parts[0], parts[1])
			case 3:
				path = fmt.Sprintf("/v1/modules/%s/%s/%s", parts[0], parts[1], parts[2])
			default:
				return fmt.Errorf("modulectl: expected <peer>/<module> or <peer>/<user>/<module>, got %q", args[0])
			}

			var out moduleStateDTO
			if err := getJSON(path, &out); err != nil {
				return err
			}

			fmt.Println("state:", out.State)
			if out.FailMessage != "" {
				fmt.Println("failMessage:", out.FailMessage)
			}
			return nil
		},
	}
}

type auditEventDTO struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Detail    string `json:"detail"`
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <peer> [user] <module>",
		Short: "show the audit trail for one module instance, newest first",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 2 {
				path = fmt.Sprintf("/v1/history/%s/%s", args[0], args[1])
			} else {
				path = fmt.Sprintf("/v1/history/%s/%s/%s", args[0], args[1], args[2])
			}
			query := ""
			if limit > 0 {
				query = fmt.Sprintf("limit=%d", limit)
			}

			var out []auditEventDTO
			if err := getJSONQuery(path, query, &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tACTION\tDETAIL")
			for _, ev := range out {
				fmt.Fprintf(w, "%s\t%s\t%s\n", ev.Timestamp, ev.Action, ev.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max events to show (default: server-chosen)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "stream state-change and work-state events as they occur",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := url.URL{Scheme: "ws", Host: addr, Path: "/v1/watch"}

			conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
			if err != nil {
				return fmt.Errorf("modulectl: dialing %s: %w", u.String(), err)
			}
			defer conn.Close()

			for {
				var ev struct {
					Type      string          `json:"type"`
					Timestamp time.Time       `json:"timestamp"`
					Data      json.RawMessage `json:"data"`
				}
				if err := conn.ReadJSON(&ev); err != nil {
					return fmt.Errorf("modulectl: watch: %w", err)
				}
				fmt.Printf("%s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, string(ev.Data))
			}
		},
	}
}
