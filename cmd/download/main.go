// Command download fetches a torrent's content given a .torrent file,
// reporting progress on a terminal bar and exiting non-zero on any
// unrecoverable failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvbealr/leechgo/bitlog"
	"github.com/lvbealr/leechgo/engine"
	"github.com/lvbealr/leechgo/metainfo"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [--resume] [--debug FILE] <torrent-file>\n", os.Args[0])
	}
	resume := flag.Bool("resume", false, "scan existing output files for already-downloaded pieces")
	debug := flag.String("debug", "", "redirect verbose logs to FILE instead of stderr")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	session, err := bitlog.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR]\t%v\n", err)
		return 1
	}

	m, err := metainfo.ParseFile(flag.Arg(0))
	if err != nil {
		session.Error("parsing %s: %v", flag.Arg(0), err)
		return 1
	}

	tor, err := engine.New(m, *resume)
	if err != nil {
		session.Error("preparing download: %v", err)
		return 1
	}
	session.Info("starting %s: %d pieces, %d trackers", m.Name, len(m.Pieces), len(m.AnnounceList))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := bitlog.ProgressBar(len(m.Pieces), m.Name)
	written, _, _ := tor.Progress()
	bar.Set(written)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-tor.Done():
				n, total, _ := tor.Progress()
				bar.Set(n)
				_ = total
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, _, _ := tor.Progress()
				bar.Set(n)
			}
		}
	}()

	runErr := tor.Run(ctx)
	<-done

	n, total, _ := tor.Progress()
	bar.Set(n)

	if n < total {
		if runErr != nil {
			session.Error("interrupted: %v (%d/%d pieces)", runErr, n, total)
		} else {
			session.Error("exited with %d/%d pieces missing", total-n, total)
		}
		return 1
	}

	session.Info("download complete: %d/%d pieces", n, total)
	return 0
}
