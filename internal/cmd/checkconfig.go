package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpequegn/xqueue-watcher/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate a config file and print its resolved settings",
	Long: `check-config loads the file named by --config, checks that every queue
has a name, a server and at least one handler, and prints the resolved
settings without starting any Workers. Handler names are not looked up
in the handler registry. It exits non-zero if the config fails to load
or validate.`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("check-config: --config/-f is required")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("check-config: %w", err)
	}

	fmt.Printf("config: %s\n", cfgFile)
	fmt.Printf("poll_time: %s  requests_timeout: %s  poll_interval: %s  idle_poll_interval: %s  login_poll_interval: %s\n",
		cfg.Manager.PollTime, cfg.Manager.RequestsTimeout, cfg.Manager.PollInterval,
		cfg.Manager.IdlePollInterval, cfg.Manager.LoginPollInterval)
	fmt.Printf("max_concurrent_sandboxes: %d  audit_db_path: %q  metrics_addr: %q\n",
		cfg.Manager.MaxConcurrentSandboxes, cfg.Manager.AuditDBPath, cfg.Manager.MetricsAddr)

	for _, cc := range cfg.Clients {
		fmt.Printf("queue %q: server=%s connections=%d long_poll=%v\n", cc.QueueName, cc.Server, cc.Connections, cc.LongPoll)
		for _, h := range cc.Handlers {
			fmt.Printf("  handler=%s codejail=%s bin_path=%s trust_reference=%v\n",
				h.Handler, h.Codejail.Name, h.Codejail.BinPath, h.Codejail.TrustReference)
		}
	}

	return nil
}
