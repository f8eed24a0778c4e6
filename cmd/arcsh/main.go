// arcsh is a minimal interactive shell for Bolt-speaking graph databases:
// it connects with the driver, reads statements from stdin, and prints the
// records and summary of each.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	arcgraph "github.com/arcgraph/arcgraph-go"
	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

var opts struct {
	URI      string `long:"uri" default:"bolt://localhost:7687" description:"Connection URI, bolt:// or bolt+routing://"`
	User     string `long:"user" short:"u" description:"User to authenticate as"`
	Password string `long:"password" short:"p" description:"Password to authenticate with"`
	Database string `long:"database" description:"Database to run statements against"`
	Read     bool   `long:"read" description:"Open a READ session instead of WRITE"`
	Insecure bool   `long:"insecure" description:"Disable TLS"`
	Verbose  bool   `long:"verbose" short:"v" description:"Enable debug logging"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %s", err))
		os.Exit(1)
	}
}

func run() error {
	var auth = arcgraph.NoAuth()
	if opts.User != "" {
		auth = arcgraph.BasicAuth(opts.User, opts.Password, "")
	}

	var configurers []func(*arcgraph.Config)
	if opts.Insecure {
		configurers = append(configurers, arcgraph.WithoutEncryption())
	}
	var driver, err = arcgraph.NewDriver(opts.URI, auth, configurers...)
	if err != nil {
		return err
	}
	defer func() { _ = driver.Close() }()

	var ctx = context.Background()
	if err = driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("verifying connectivity of %s: %w", opts.URI, err)
	}

	var mode = arcgraph.AccessModeWrite
	if opts.Read {
		mode = arcgraph.AccessModeRead
	}
	var session = driver.NewSession(arcgraph.SessionConfig{
		Mode:     mode,
		Database: opts.Database,
	})
	defer func() { _ = session.Close(ctx) }()

	fmt.Printf("connected to %s (%s session)\n", opts.URI, mode)

	var scanner = bufio.NewScanner(os.Stdin)
	var prompt = color.New(color.FgGreen).Sprint("arcsh> ")
	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		var statement = strings.TrimSpace(scanner.Text())
		if statement == "" {
			continue
		}
		if statement == ":exit" || statement == ":quit" {
			return nil
		}
		runStatement(ctx, session, statement)
	}
}

func runStatement(ctx context.Context, session *arcgraph.Session, statement string) {
	var result, err = session.Run(ctx, statement, nil)
	if err != nil {
		fmt.Println(color.RedString("%s", err))
		return
	}

	keys, err := result.Keys()
	if err != nil {
		fmt.Println(color.RedString("%s", err))
		return
	}
	var header = color.New(color.Bold)
	fmt.Println(header.Sprint(strings.Join(keys, " | ")))

	var rows = 0
	err = result.ForEach(func(rec *arcgraph.Record) error {
		var cells = make([]string, len(rec.Values))
		for i, v := range rec.Values {
			cells[i] = fmt.Sprint(v)
		}
		fmt.Println(strings.Join(cells, " | "))
		rows++
		return nil
	})
	if err != nil {
		fmt.Println(color.RedString("%s", err))
		return
	}

	summary, err := result.Summary()
	if err != nil {
		fmt.Println(color.RedString("%s", err))
		return
	}
	fmt.Println(color.New(color.Faint).Sprintf(
		"%d rows, available after %s", rows, summary.ResultAvailableAfter))
	if summary.Counters.ContainsUpdates() {
		fmt.Println(color.New(color.Faint).Sprintf(
			"+%d nodes, +%d relationships, %d properties set",
			summary.Counters.NodesCreated,
			summary.Counters.RelationshipsCreated,
			summary.Counters.PropertiesSet))
	}
	if bm := session.LastBookmark(); bm != "" {
		log.WithField("bookmark", bm).Debug("session bookmark advanced")
	}
}
