package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/PatchLens/go-trace-lens/tracer"
	"github.com/PatchLens/go-trace-lens/tracer/cmd"
)

func main() {
	log.SetFlags(log.LstdFlags)

	config, err := cmd.ParseFlags(nil)
	if err != nil {
		log.Fatalf("%s%v", tracer.ErrorLogPrefix, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if config.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	var out io.Writer = os.Stdout
	if config.OutputFile != "" {
		f, err := os.Create(config.OutputFile)
		if err != nil {
			log.Fatalf("%s%v", tracer.ErrorLogPrefix, err)
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriter(out)

	runErr := tracer.RunDump(ctx, tracer.NewClient(config.ServerURL), *config, bw)
	if err := bw.Flush(); err != nil {
		log.Printf("%sFailed to flush output: %v", tracer.ErrorLogPrefix, err)
	}
	if runErr != nil {
		log.Fatalf("%s%v", tracer.ErrorLogPrefix, runErr)
	}
}
