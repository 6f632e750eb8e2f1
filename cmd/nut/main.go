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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/ThLemay/Nut-WebAPP-V3/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

var buildVersion = "dev"

var errNotLoggedIn = errors.New("please login first using 'nut login'")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "register":
		err = commandRegister(args)
	case "logout":
		err = commandLogout(args)
	case "me":
		err = commandMe(args)
	case "qr":
		err = commandQR(args)
	case "dashboard":
		err = commandDashboard(args)
	case "scan":
		err = commandScan(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// session is the terminal's signed-in state: loaded from disk when a command
// starts, replaced on login and cleared on logout.
type session struct {
	cfg    cliConfig
	client *apiclient.Client
	me     apiclient.Session
}

// openSession loads the saved token and the profile it belongs to.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errNotLoggedIn
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	me, err := client.Me(ctx, cfg.AccessToken)
	var apiErr apiclient.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized && cfg.RefreshToken != "" {
		tokens, rerr := client.Refresh(ctx, cfg.RefreshToken)
		if rerr != nil {
			return nil, errNotLoggedIn
		}
		cfg.AccessToken, cfg.RefreshToken = tokens.AccessToken, tokens.RefreshToken
		if err := saveConfig(cfg); err != nil {
			return nil, err
		}
		me, err = client.Me(ctx, cfg.AccessToken)
	}
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, client: client, me: me}, nil
}

func (s *session) token() string { return s.cfg.AccessToken }

func (s *session) requireOperator() error {
	if s.me.Profile.Role != "entreprise" || s.me.Company == nil {
		return errors.New("this command needs an entreprise account with a company")
	}
	return nil
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := readSecret(*password)
	if err != nil {
		return err
	}
	cfg, client, err := configuredClient(*apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	return storeLogin(cfg, resp, "login successful")
}

func commandRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	name := fs.String("name", "", "Display name")
	role := fs.String("role", "client", "Account role (client|entreprise)")
	company := fs.String("company", "", "Company name, entreprise only (defaults to --name)")
	points := fs.Int("points", -1, "NutCoins granted per deconsigne, entreprise only (default 5)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	secret, err := readSecret(*password)
	if err != nil {
		return err
	}
	cfg, client, err := configuredClient(*apiBase)
	if err != nil {
		return err
	}
	input := apiclient.SignupInput{
		Email:       *email,
		Password:    secret,
		Name:        *name,
		Role:        *role,
		CompanyName: *company,
	}
	if *points >= 0 {
		input.PointsPerDeconsigne = points
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	resp, err := client.Signup(ctx, input)
	if err != nil {
		return err
	}
	return storeLogin(cfg, resp, "account created")
}

func commandLogout(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		fmt.Println("not logged in")
		return nil
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Logout(ctx, cfg.AccessToken); err != nil {
		fmt.Fprintf(os.Stderr, "warning: server logout failed: %v\n", err)
	}
	cfg.AccessToken, cfg.RefreshToken = "", ""
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func commandMe(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	p := sess.me.Profile
	fmt.Printf("%s <%s>\n", p.Name, sess.me.User.Email)
	fmt.Printf("role:      %s\n", p.Role)
	if p.Role == "client" {
		fmt.Printf("nutcoins:  %d\n", p.NutCoins)
	}
	if c := sess.me.Company; c != nil {
		fmt.Printf("company:   %s (%s)\n", c.Name, c.ID)
		fmt.Printf("reward:    %d NutCoins per deconsigne\n", c.PointsPerDeconsigne)
	}
	return nil
}

func commandQR(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	payload, err := sess.client.MyQR(ctx, sess.token())
	if err != nil {
		return err
	}
	fmt.Println(payload)
	return nil
}

func commandDashboard(args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of transactions to display")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	dash, err := sess.client.Dashboard(ctx, sess.token())
	if err != nil {
		return err
	}
	printDashboard(dash, *limit)
	return nil
}

func printDashboard(dash apiclient.Dashboard, limit int) {
	if dash.Company != nil {
		fmt.Printf("%s: %d containers, %d available, %d in use\n", dash.Company.Name, dash.Stats.Total, dash.Stats.Available, dash.Stats.InUse)
		for _, c := range dash.Containers {
			holder := "-"
			if c.HolderClientID != nil {
				holder = *c.HolderClientID
			}
			fmt.Printf("  %s\t%s\t%s\t%s\n", c.ID, c.Type, c.Status, holder)
		}
	} else if dash.Profile != nil {
		fmt.Printf("%s: %d NutCoins, %d container(s) in use, %d returned, %d earned\n", dash.Profile.Name, dash.Stats.NutCoins, dash.Stats.ContainersInUse, dash.Stats.DeconsigneCount, dash.Stats.TotalEarned)
		for _, c := range dash.Containers {
			fmt.Printf("  %s\t%s\tsince %s\n", c.ID, c.Type, c.UpdatedAt.Local().Format(time.DateTime))
		}
	}
	count := len(dash.Transactions)
	if limit > 0 && limit < count {
		count = limit
	}
	if count > 0 {
		fmt.Println("recent transactions:")
	}
	for _, tx := range dash.Transactions[:count] {
		fmt.Printf("  %s\t%-10s\t%s\t%+d\n", tx.Timestamp.Local().Format(time.DateTime), tx.Type, tx.ContainerID, tx.NutCoinsDelta)
	}
}

func commandWatch(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "watching changes, press Ctrl+C to stop")
	return sess.client.Watch(ctx, sess.token(), func(e apiclient.ChangeEvent) {
		at := e.At
		if at.IsZero() {
			at = time.Now()
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", at.Local().Format(time.TimeOnly), e.Table, e.Type, e.RecordID)
	})
}

func readSecret(flagValue string) (string, error) {
	secret := strings.TrimSpace(flagValue)
	if secret != "" {
		return secret, nil
	}
	fmt.Print("Password: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(bytes), nil
}

func configuredClient(apiBase string) (cliConfig, *apiclient.Client, error) {
	cfg, _ := loadConfig()
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	} else if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	cfg.APIBaseURL = client.BaseURL()
	return cfg, client, nil
}

func storeLogin(cfg cliConfig, resp apiclient.AuthResponse, msg string) error {
	cfg.AccessToken = resp.Tokens.AccessToken
	cfg.RefreshToken = resp.Tokens.RefreshToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("%s: %s (%s)\n", msg, resp.Session.Profile.Name, resp.Session.Profile.Role)
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiclient.DefaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiclient.DefaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv("NUT_CONFIG")); custom != "" {
		return custom, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "nut", "config.json"), nil
}

func printUsage() {
	fmt.Printf("nut CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	nut login --email user@example.com [--password secret] [--api http://localhost:4000]
	nut register --email user@example.com --name <name> [--role client|entreprise] [--company <name>] [--points N]
	nut logout
	nut me
	nut qr
	nut dashboard [--limit N]
	nut scan consigne|deconsigne [--cooldown 1500ms]
	nut watch
	nut version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
