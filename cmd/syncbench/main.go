// Package main
//
// @author: xwc1125
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chain5j/logger"
	"github.com/chain5j/logger/zap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "SYNCBENCH"

var rootCmd = &cobra.Command{
	Use:   "syncbench",
	Short: "在内存网络上运行两个节点并测量区块同步",
	Long: `syncbench mines a chain on one node, connects a fresh node to it over an
in-memory hub and reports how long the fresh node takes to catch up.`,
	PersistentPreRunE: loadConfig,
	RunE:              runBench,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config", "", "config file (yaml/toml/json) with a [sync] section")
	flags.Int("blocks", 200, "number of blocks the source node mines")
	flags.String("consensus", "dummy", "consensus engine: argon or dummy")
	flags.String("db-backend", "memdb", "tm-db backend of both nodes")
	flags.String("db-dir", os.TempDir(), "directory of persistent backends")
	flags.Int("rounds", 3, "sync rounds before giving up")
	flags.Duration("round-timeout", 0, "time allowed per round, 0 for the sync apply timeout")
	flags.String("log-level", "info", "console log level: trace, debug, info, warn, error or fatal")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %v", file, err)
		}
	}
	return initLogger(viper.GetString("log-level"))
}

// initLogger 初始化 zap 日志，之前创建的 logger 不会输出
func initLogger(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	zap.InitWithConfig(&logger.LogConfig{
		Console: logger.ConsoleLogConfig{
			Level:   lvl,
			Modules: "*",
			Console: true,
		},
	})
	log = logger.New("syncbench")
	return nil
}

func parseLevel(level string) (logger.Lvl, error) {
	for lvl := logger.LvlFatal; lvl <= logger.LvlTrace; lvl++ {
		if strings.EqualFold(level, lvl.String()) {
			return lvl, nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
