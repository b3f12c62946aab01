// Conveyor CLI — инструмент командной строки для управления
// projects, sessions, tasks и schedules через HTTP API.
//
// Использование:
//
//	conveyor [--api-url URL] [--site ID] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	project   Загрузка и просмотр проектов
//	session   Запуск workflows
//	task      Просмотр attempts
//	schedule  Управление schedules
//
// --api-url и --site можно задать через CONVEYOR_API_URL и CONVEYOR_SITE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaiso/Conveyor/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — workflow task execution",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "http://localhost:8080", "API server URL")
	flags.Int("site", 1, "Site ID")
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	v := viper.New()
	v.SetEnvPrefix("conveyor")
	v.AutomaticEnv()
	_ = v.BindPFlag("api_url", flags.Lookup("api-url"))
	_ = v.BindPFlag("site", flags.Lookup("site"))

	clientFn := func() *cli.Client { return cli.NewClient(v.GetString("api_url"), v.GetInt("site")) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewProjectCmd(clientFn, outputFn),
		cli.NewSessionCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewScheduleCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
