package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/patchup/patchup"
)

var rootCmd = &cobra.Command{
	Use:   "patchup",
	Short: "Maintain patch sets against third-party source trees",
	Long: "patchup fetches upstream sources into a content-addressed cache, builds\n" +
		"editable workspaces from pristine trees plus patch sets, and distills\n" +
		"workspace edits back into portable, reproducible patches.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/patchup/config.yaml)")
	rootCmd.PersistentFlags().String("cache-dir", "", "content store directory (default: ~/.cache/patchup)")
	rootCmd.PersistentFlags().StringP("project", "C", ".", "project root (directory containing patchup.yaml)")
	rootCmd.PersistentFlags().Int("concurrency", 0, "parallel worker count")
	rootCmd.PersistentFlags().String("remote", "", "OCI image ref for snapshot sharing")

	viper.BindPFlag("cache_dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	viper.BindPFlag("remote", rootCmd.PersistentFlags().Lookup("remote"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PATCHUP")
	viper.AutomaticEnv()
	viper.SetDefault("cache_dir", patchup.DefaultCacheDir())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "patchup")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "patchup")
	}
	return ".patchup"
}

func projectRoot() string {
	return rootCmd.PersistentFlags().Lookup("project").Value.String()
}

func openProject(extra ...patchup.Option) (*patchup.Project, error) {
	opts := []patchup.Option{
		patchup.WithCacheDir(viper.GetString("cache_dir")),
	}
	if n := viper.GetInt("concurrency"); n > 0 {
		opts = append(opts, patchup.WithConcurrency(n))
	}
	if ref := viper.GetString("remote"); ref != "" {
		opts = append(opts, patchup.WithRemote(ref))
	}
	opts = append(opts, extra...)
	return patchup.Open(projectRoot(), opts...)
}
