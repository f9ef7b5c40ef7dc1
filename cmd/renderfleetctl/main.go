// Command renderfleetctl boots a dispatcher against a configured fleet of
// backends for manual smoke-testing. Grounded on server/main.go from the
// teacher: a cobra.Command whose PreRunE binds viper to flags/config file
// and whose RunE hands the assembled config to an Agent, blocking on
// SIGINT/SIGTERM.
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohitkumar/renderfleet/config"
	"github.com/mohitkumar/renderfleet/internal/wiring"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "path to a config file (yaml/json/toml)")
	cmd.Flags().String("backends", "", "comma separated list of backend base URLs")
	cmd.Flags().String("mode", "lowest", "dispatcher selection policy: zero, lowest, routine, affinity")
	cmd.Flags().Int("max-queue-size", 1000, "maximum queued jobs before ErrQueueFull")
	cmd.Flags().Int("init-tries", 5, "health-probe attempts per backend during init")
	cmd.Flags().Duration("init-delay", 2*time.Second, "delay between health-probe attempts")
	cmd.Flags().Duration("meta-cache-ttl", 30*time.Second, "TTL for cached /object_info responses")
	cmd.Flags().Duration("reconnect-base-delay", time.Second, "reconnect backoff base delay")
	cmd.Flags().Duration("reconnect-max-delay", 15*time.Second, "reconnect backoff cap")
	cmd.Flags().Int("reconnect-max-attempts", 10, "reconnect attempts before falling back to polling")
	cmd.Flags().String("status-addr", "", "if set, serve the read-only status endpoint on this address")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	if configFile, _ := cmd.Flags().GetString("config-file"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}

	for _, host := range strings.Split(viper.GetString("backends"), ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		c.cfg.Backends = append(c.cfg.Backends, config.BackendConfig{Host: host})
	}
	c.cfg.Mode = viper.GetString("mode")
	c.cfg.MaxQueueSize = viper.GetInt("max-queue-size")
	c.cfg.InitTries = viper.GetInt("init-tries")
	c.cfg.InitDelay = viper.GetDuration("init-delay")
	c.cfg.MetaCacheTTL = viper.GetDuration("meta-cache-ttl")
	c.cfg.ReconnectBaseDelay = viper.GetDuration("reconnect-base-delay")
	c.cfg.ReconnectMaxDelay = viper.GetDuration("reconnect-max-delay")
	c.cfg.ReconnectMaxAttempts = viper.GetInt("reconnect-max-attempts")
	c.cfg.StatusAddr = viper.GetString("status-addr")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	agent, err := wiring.New(c.cfg)
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go printSnapshots(agent, sigc)
	<-sigc
	return agent.Stop()
}

// printSnapshots is a smoke-test convenience: it dumps the fleet's status
// snapshot every few seconds until the process is asked to stop.
func printSnapshots(agent *wiring.Agent, stop <-chan os.Signal) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b, _ := json.Marshal(agent.Pool.Snapshot())
			log.Printf("fleet status: %s", b)
		}
	}
}

func main() {
	c := &cli{}
	cmd := &cobra.Command{
		Use:     "renderfleetctl",
		Short:   "Boot a dispatcher against a configured render fleet and print its status",
		PreRunE: c.setupConfig,
		RunE:    c.run,
	}
	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
