package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"airelay/internal/config"
	"airelay/internal/ledger"
	"airelay/internal/provider"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay setup",
		Long: `Verifies that the configuration, provider credentials, session ledger
and listen port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("airelay doctor v%s\n\n", version)

			var passed, warned, failed int

			if err := config.LoadDotEnv(".env"); err != nil {
				printWarn(".env", err.Error())
				warned++
			}

			if _, err := os.Stat(cfgPath); errors.Is(err, fs.ErrNotExist) {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d warnings, 1 failed\n", passed, warned)
				return errors.New("invalid configuration")
			}
			printPass("Config validation", "valid")
			passed++

			if cfg.Ledger.Enabled {
				if store, err := ledger.Open(cfg.Ledger.DBPath, logger); err != nil {
					printFail("Session ledger", err.Error())
					failed++
				} else {
					store.Close()
					printPass("Session ledger", cfg.Ledger.DBPath)
					passed++
				}
			}

			usable := 0
			for _, st := range provider.NewFactory(cfg, logger).Status() {
				name := "Provider: " + string(st.Kind)
				switch {
				case !st.Enabled:
					printWarn(name, "disabled")
					warned++
				case !st.Configured:
					printWarn(name, "no credentials, requests will get the fallback message")
					warned++
				default:
					printPass(name, st.Model)
					passed++
					usable++
				}
			}
			if usable == 0 {
				printFail("Providers", "no provider has credentials")
				failed++
			}

			addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
			if err := checkPort(addr); err != nil {
				printWarn("Listen address", fmt.Sprintf("%s may be in use: %v", addr, err))
				warned++
			} else {
				printPass("Listen address", addr+" available")
				passed++
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}
