package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThLemay/Nut-WebAPP-V3/pkg/config"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/logger"
	"github.com/ThLemay/Nut-WebAPP-V3/pkg/scan"
)

const scanHelp = `commands:
  :commit       process the queued (consigne) or selected (deconsigne) containers
  :reset        start over from the client scan
  :toggle <id>  select or deselect a listed container (deconsigne)
  :list         show the current step
  :quit         leave
`

func commandScan(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: nut scan [consigne|deconsigne]")
	}
	mode := args[0]
	fs := flag.NewFlagSet("scan "+mode, flag.ExitOnError)
	cooldown := fs.Duration("cooldown", scan.DefaultCooldown, "Quiet period after each scanned code")
	fs.Parse(args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	if err := sess.requireOperator(); err != nil {
		return err
	}

	presenter := scan.PresenterFunc(func(n scan.Notice) { printNotice(os.Stdout, n) })
	backend := sess.client.ScanBackend(sess.token())
	var flow scan.Flow
	switch mode {
	case "consigne":
		flow = scan.NewConsigneFlow(backend, sess.me.Company.ID, presenter)
	case "deconsigne":
		flow = scan.NewDeconsigneFlow(backend, presenter)
	default:
		return fmt.Errorf("unknown scan mode: %s", mode)
	}

	log := logger.NewTo(os.Stderr, "nut", logger.ParseLevel(config.GetString("NUT_LOG_LEVEL", "warn")))
	runner := scan.NewRunner(scan.NewGuard(*cooldown), log, scan.WithControl(func(ctx context.Context, line string) (bool, error) {
		return scanCommand(ctx, os.Stdout, flow, line)
	}))

	fmt.Printf("%s at %s: scan a client code (NUT:CLIENT:<id> or a bare id)\n", mode, sess.me.Company.Name)
	fmt.Print(scanHelp)
	err = runner.Run(ctx, scan.NewLineSource(os.Stdin), flow.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scanCommand handles the ":" commands typed between scans.
func scanCommand(ctx context.Context, out io.Writer, flow scan.Flow, line string) (bool, error) {
	if !strings.HasPrefix(line, ":") {
		return false, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q":
		return true, scan.ErrStop
	case ":reset":
		flow.Reset()
		fmt.Fprintln(out, "reset, scan a client code")
	case ":commit":
		// The flow reports the outcome through its presenter.
		_, _ = flow.Commit(ctx)
	case ":list":
		printFlow(out, flow)
	case ":toggle":
		d, ok := flow.(*scan.DeconsigneFlow)
		if !ok {
			fmt.Fprintln(out, ":toggle only applies to deconsigne")
			break
		}
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: :toggle <container-id>")
			break
		}
		_, _ = d.Toggle(fields[1])
	case ":help":
		fmt.Fprint(out, scanHelp)
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return true, nil
}

func printFlow(out io.Writer, flow scan.Flow) {
	switch f := flow.(type) {
	case *scan.ConsigneFlow:
		if f.Client() == nil {
			fmt.Fprintln(out, "step 1: waiting for a client code")
			return
		}
		fmt.Fprintf(out, "step 2: lending to %s, %d queued\n", f.Client().Name, len(f.Queue()))
		for _, c := range f.Queue() {
			fmt.Fprintf(out, "  %s\t%s\n", c.ID, c.Type)
		}
	case *scan.DeconsigneFlow:
		if f.Client() == nil {
			fmt.Fprintln(out, "step 1: waiting for a client code")
			return
		}
		selected := make(map[string]bool)
		for _, c := range f.Selected() {
			selected[c.ID] = true
		}
		fmt.Fprintf(out, "step 2: %s holds %d, %d selected\n", f.Client().Name, len(f.Held()), len(selected))
		for _, c := range f.Held() {
			mark := "[ ]"
			if selected[c.ID] {
				mark = "[x]"
			}
			fmt.Fprintf(out, "  %s %s\t%s\n", mark, c.ID, c.Type)
		}
	}
}

func printNotice(out io.Writer, n scan.Notice) {
	prefix := "--"
	switch n.Kind {
	case scan.NoticeSuccess:
		prefix = "ok"
	case scan.NoticeError:
		prefix = "!!"
	}
	fmt.Fprintf(out, "%s %s\n", prefix, n.Message)
}
