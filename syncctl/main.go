package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/bringyour/sangh/livesync"
	"github.com/bringyour/sangh/livesync/livesynctest"
)

const LocalVersion = "0.0.0-local"

func init() {
	// glog writes to files by default
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
}

func main() {
	usage := fmt.Sprintf(
		`Sangh live sync control.

Values not given as options are read from the environment and ./.env:
    API_URL (default %s), SOCKET_URL, API_TOKEN, VIEWER_ID

Usage:
    syncctl login --email=<email> [--password=<password>]
        [--api_url=<api_url>]
    syncctl register --name=<name> --email=<email> [--password=<password>]
        [--api_url=<api_url>]
    syncctl me [--api_url=<api_url>] [--token=<token>]
    syncctl watch <kind> [--api_url=<api_url>] [--socket_url=<socket_url>]
        [--token=<token>]
        [--reconnect]
        [--metrics_port=<metrics_port>]
    syncctl interest <event_id> [--remove] [--api_url=<api_url>] [--token=<token>]
    syncctl delete <kind> <id> [--api_url=<api_url>] [--token=<token>]
    syncctl serve [--port=<port>] [--email=<email>] [--password=<password>]

Kinds:
    events, resources, seva, shakhas, notifications

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --socket_url=<socket_url>        Push server, defaults to the api url.
    --token=<token>                  Bearer token from login.
    --name=<name>
    --email=<email>
    --password=<password>
    --remove                         Leave the event instead of joining.
    --reconnect                      Reconnect a dropped channel.
    --metrics_port=<metrics_port>    Serve prometheus metrics on this port.
    -p --port=<port>                 Listen port [default: 5000].`,
		livesync.DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	config, err := livesync.LoadEnvConfig(".env")
	if err != nil {
		panic(err)
	}
	applyOpts(config, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if login_, _ := opts.Bool("login"); login_ {
		login(ctx, config, opts)
	} else if register_, _ := opts.Bool("register"); register_ {
		register(ctx, config, opts)
	} else if me_, _ := opts.Bool("me"); me_ {
		me(ctx, config)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(ctx, config, opts)
	} else if interest_, _ := opts.Bool("interest"); interest_ {
		interest(ctx, config, opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteEntity(ctx, config, opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(ctx, opts)
	}
}

// options override the environment
func applyOpts(config *livesync.EnvConfig, opts docopt.Opts) {
	if apiUrl, err := opts.String("--api_url"); err == nil {
		if config.SocketUrl == config.ApiUrl {
			config.SocketUrl = apiUrl
		}
		config.ApiUrl = apiUrl
	}
	if socketUrl, err := opts.String("--socket_url"); err == nil {
		config.SocketUrl = socketUrl
	}
	if token, err := opts.String("--token"); err == nil {
		config.ApiToken = token
	}
}

// the --password option, or a prompt without echo
func readPassword(opts docopt.Opts) string {
	if passwordAny := opts["--password"]; passwordAny != nil {
		return passwordAny.(string)
	}
	fmt.Print("Enter password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return string(passwordBytes)
}

func login(ctx context.Context, config *livesync.EnvConfig, opts docopt.Opts) {
	email, _ := opts.String("--email")
	password := readPassword(opts)

	client := livesync.NewClientFromEnv(ctx, config, nil)
	defer client.Close()

	loginCallback, loginChannel := livesync.NewBlockingApiCallback[*livesync.AuthLoginResult]()
	client.Api().AuthLogin(&livesync.AuthLoginArgs{
		Email:    email,
		Password: password,
	}, loginCallback)

	var loginResult livesync.ApiCallbackResult[*livesync.AuthLoginResult]
	select {
	case <-ctx.Done():
		os.Exit(0)
	case loginResult = <-loginChannel:
	}
	if loginResult.Error != nil {
		exitWithError(loginResult.Error)
	}

	fmt.Printf("viewer_id: %s\n", loginResult.Result.User.Id)
	fmt.Printf("API_TOKEN=%s\n", loginResult.Result.Token)
}

func register(ctx context.Context, config *livesync.EnvConfig, opts docopt.Opts) {
	name, _ := opts.String("--name")
	email, _ := opts.String("--email")
	password := readPassword(opts)

	client := livesync.NewClientFromEnv(ctx, config, nil)
	defer client.Close()

	result, err := client.Api().AuthRegisterSync(ctx, &livesync.AuthRegisterArgs{
		Name:     name,
		Email:    email,
		Password: password,
	})
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("%s\n", result.Msg)
}

func me(ctx context.Context, config *livesync.EnvConfig) {
	client := livesync.NewClientFromEnv(ctx, config, nil)
	defer client.Close()

	viewer, err := client.Api().AuthMeSync(ctx)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("id: %s\nname: %s\nemail: %s\nrole: %s\n", viewer.Id, viewer.Name, viewer.Email, viewer.Role)
}

func interest(ctx context.Context, config *livesync.EnvConfig, opts docopt.Opts) {
	eventId, _ := opts.String("<event_id>")
	remove, _ := opts.Bool("--remove")

	client := livesync.NewClientFromEnv(ctx, config, nil)
	defer client.Close()

	event, err := client.Api().EventInterestSync(ctx, eventId, !remove)
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("%s: %d participants\n", event.EventName, len(event.Participants))
}

func deleteEntity(ctx context.Context, config *livesync.EnvConfig, opts docopt.Opts) {
	kindName, _ := opts.String("<kind>")
	id, _ := opts.String("<id>")

	client := livesync.NewClientFromEnv(ctx, config, nil)
	defer client.Close()

	var err error
	switch kindName {
	case "events":
		_, err = livesync.CommandSync(ctx, client.Api(), livesync.EventKind, livesync.DeleteCommand(livesync.EventKind, id))
	case "resources":
		_, err = livesync.CommandSync(ctx, client.Api(), livesync.ResourceKind, livesync.DeleteCommand(livesync.ResourceKind, id))
	case "seva":
		_, err = livesync.CommandSync(ctx, client.Api(), livesync.SevaKind, livesync.DeleteCommand(livesync.SevaKind, id))
	case "shakhas":
		_, err = livesync.CommandSync(ctx, client.Api(), livesync.ShakhaKind, livesync.DeleteCommand(livesync.ShakhaKind, id))
	case "notifications":
		_, err = livesync.CommandSync(ctx, client.Api(), livesync.NotificationKind, livesync.DeleteCommand(livesync.NotificationKind, id))
	default:
		err = fmt.Errorf("unknown kind %s", kindName)
	}
	if err != nil {
		exitWithError(err)
	}
	fmt.Printf("deleted %s %s\n", kindName, id)
}

func watch(ctx context.Context, config *livesync.EnvConfig, opts docopt.Opts) {
	kindName, _ := opts.String("<kind>")
	reconnect, _ := opts.Bool("--reconnect")

	var metrics *livesync.Metrics
	if metricsPort, err := opts.Int("--metrics_port"); err == nil {
		registry := prometheus.NewRegistry()
		metrics = livesync.NewMetrics(registry)
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", metricsPort),
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("metrics error: %s\n", err)
			}
		}()
		defer metricsServer.Close()
	}

	client := livesync.NewClientFromEnv(ctx, config, metrics)
	defer client.Close()

	settings := livesync.DefaultViewSettings()
	settings.ChannelSettings.Reconnect = reconnect

	switch kindName {
	case "events":
		watchKind(ctx, client, livesync.EventKind, settings,
			[]string{"Id", "Event", "Date", "Region", "Participants"},
			func(event *livesync.Event) []string {
				return []string{event.Id, event.EventName, formatDate(event.Date), event.Region, fmt.Sprintf("%d", len(event.Participants))}
			},
		)
	case "resources":
		watchKind(ctx, client, livesync.ResourceKind, settings,
			[]string{"Id", "Title", "Type", "Category", "Tags"},
			func(resource *livesync.Resource) []string {
				return []string{resource.Id, resource.Title, resource.Type, resource.Category, strings.Join(resource.Tags, ",")}
			},
		)
	case "seva":
		watchKind(ctx, client, livesync.SevaKind, settings,
			[]string{"Id", "Project", "Region", "Status", "Volunteers"},
			func(seva *livesync.SevaProject) []string {
				return []string{seva.Id, seva.ProjectName, seva.Region, seva.Status, fmt.Sprintf("%d", len(seva.Volunteers))}
			},
		)
	case "shakhas":
		watchKind(ctx, client, livesync.ShakhaKind, settings,
			[]string{"Id", "Name", "Region", "Schedule", "Location"},
			func(shakha *livesync.Shakha) []string {
				location := ""
				if shakha.Location != nil {
					location = fmt.Sprintf("%.4f,%.4f", shakha.Location.Lat, shakha.Location.Lng)
				}
				return []string{shakha.Id, shakha.Name, shakha.Region, shakha.Schedule, location}
			},
		)
	case "notifications":
		watchKind(ctx, client, livesync.NotificationKind, settings,
			[]string{"Id", "Title", "Message", "Created"},
			func(notification *livesync.Notification) []string {
				return []string{notification.Id, notification.Title, notification.Message, formatDate(&notification.CreatedAt)}
			},
		)
	default:
		exitWithError(fmt.Errorf("unknown kind %s", kindName))
	}
}

func watchKind[T livesync.Entity](
	ctx context.Context,
	client *livesync.Client,
	kind livesync.Kind[T],
	settings *livesync.ViewSettings,
	header []string,
	row func(T) []string,
) {
	view := livesync.Mount(ctx, client, kind, settings)
	defer view.Unmount()

	for _, eventName := range kind.EventNames() {
		view.Channel().On(eventName, func(payload json.RawMessage) {
			action, _ := kind.Action(eventName)
			fmt.Println(actionColor(action).Sprintf("%s %s", time.Now().Format(time.TimeOnly), eventName))
		})
	}
	view.Channel().OnStateChange(func(state livesync.ChannelState) {
		line := fmt.Sprintf("channel %s", state)
		if err := view.Channel().LastError(); err != nil && state != livesync.ChannelStateConnected {
			line = fmt.Sprintf("%s (%s)", line, err)
		}
		fmt.Println(color.Gray.Sprint(line))
	})

	view.OnChange(func(items []T) {
		status, err := view.Status()
		if status == livesync.ViewError {
			fmt.Println(color.Red.Sprintf("snapshot: %s", livesync.DisplayMessage(err)))
		}
		renderTable(header, lo.Map(items, func(item T, _ int) []string {
			return row(item)
		}))
	})

	select {
	case <-ctx.Done():
	case <-view.Done():
	}
}

func renderTable(header []string, rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.AppendBulk(rows)
	table.Render()
	fmt.Println()
}

func actionColor(action livesync.Action) color.Color {
	switch action {
	case livesync.ActionCreated:
		return color.Green
	case livesync.ActionDeleted:
		return color.Red
	default:
		return color.Yellow
	}
}

func formatDate(date *time.Time) string {
	if date == nil || date.IsZero() {
		return ""
	}
	return date.Local().Format(time.DateTime)
}

// Runs the in-memory api and push server with a demo account and a few events.
func serve(ctx context.Context, opts docopt.Opts) {
	port, _ := opts.Int("--port")
	email, err := opts.String("--email")
	if err != nil {
		email = "demo@sangh.local"
	}
	password, err := opts.String("--password")
	if err != nil {
		password = "demo"
	}

	server := livesynctest.NewServerWithDefaults()
	viewer := &livesync.Viewer{
		Id:    livesynctest.NewEntityId(),
		Name:  "Demo",
		Email: email,
		Role:  "user",
	}
	token := server.AddAccount(email, password, viewer)
	seedDemo(server)

	fmt.Printf(
		"Serving %s on *:%d\nemail: %s\nviewer_id: %s\nAPI_TOKEN=%s\n",
		RequireVersion(),
		port,
		email,
		viewer.Id,
		token,
	)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: server,
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		exitWithError(err)
	}
}

func seedDemo(server *livesynctest.Server) {
	now := time.Now()
	later := now.Add(7 * 24 * time.Hour)
	livesynctest.Seed(server, livesync.EventKind,
		&livesync.Event{
			Id:          livesynctest.NewEntityId(),
			EventName:   "Sunday shakha",
			Date:        &later,
			Region:      "north",
			IsOpenToAll: true,
		},
		&livesync.Event{
			Id:          livesynctest.NewEntityId(),
			EventName:   "Seva camp",
			Date:        &now,
			Region:      "south",
			IsOpenToAll: true,
		},
	)
	livesynctest.Seed(server, livesync.ShakhaKind,
		&livesync.Shakha{
			Id:         livesynctest.NewEntityId(),
			Name:       "Central",
			Location:   &livesync.Location{Lat: 28.6139, Lng: 77.2090},
			Region:     "north",
			Schedule:   "daily 06:00",
			Visibility: true,
		},
	)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, color.Red.Sprintf("error: %s", livesync.DisplayMessage(err)))
	os.Exit(1)
}

func RequireVersion() string {
	if version := os.Getenv("SANGH_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
