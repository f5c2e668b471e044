// Package cmd wires the hub session, registry, peer manager and
// connectivity manager into a runnable CLI, the same way go-hub's cmd
// package wires hub.Hub into a server: cobra commands, a viper-backed
// config file, and a PersistentPreRun banner.
package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/direct-connect/dcpp-engine/version"
)

const Version = version.Vers

var Root = &cobra.Command{
	Use: "dcclient <command>",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version:\t%s\nGo runtime:\t%s\n\n",
			Version, runtime.Version(),
		)
	},
}

var confManager *viper.Viper

// Config is the on-disk client configuration, unmarshaled by viper from
// dcclient.yml (or /etc/dcclient on non-Windows), mirroring the shape of
// go-hub's hub.yml.
type Config struct {
	Client struct {
		Nick     string `yaml:"nick"`
		Desc     string `yaml:"desc"`
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
		Slots    int    `yaml:"slots"`
		Speed    string `yaml:"speed"`
		ShareGB  int    `yaml:"share_gb"`
	} `yaml:"client"`

	Net struct {
		Port    int  `yaml:"port"`
		Passive bool `yaml:"passive"`
	} `yaml:"net"`

	Identity struct {
		Dir string `yaml:"dir"`
	} `yaml:"identity"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

const defaultConfig = "dcclient.yml"

func initConfig(path string) error {
	return confManager.WriteConfigAs(path)
}

func readConfig(create bool) (*Config, error) {
	err := confManager.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok && create {
		if err = initConfig(defaultConfig); err != nil {
			return nil, err
		}
		err = confManager.ReadInConfig()
	}
	if err != nil {
		return nil, err
	}
	var c Config
	if err := confManager.Unmarshal(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func init() {
	confManager = viper.New()
	confManager.AddConfigPath(".")
	if runtime.GOOS != "windows" {
		confManager.AddConfigPath("/etc/dcclient")
	}
	confManager.SetConfigName("dcclient")

	confManager.SetDefault("client.nick", "dcclient")
	confManager.SetDefault("client.desc", "")
	confManager.SetDefault("client.slots", 3)
	confManager.SetDefault("client.speed", "100Mbps")
	confManager.SetDefault("client.share_gb", 0)
	confManager.SetDefault("net.port", 0) // 0 = passive, no listener
	confManager.SetDefault("net.passive", true)
	confManager.SetDefault("identity.dir", ".dcclient")
	confManager.SetDefault("metrics.addr", "")

	Root.AddCommand(initCmd)
	Root.AddCommand(connectCmd)
	Root.AddCommand(searchCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(defaultConfig); err != nil {
			return err
		}
		fmt.Println("initialized config:", defaultConfig)
		return nil
	},
}
