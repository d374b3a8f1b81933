package tracer

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunDump attaches through client, starts a trace, and writes each received packet to out as a line of JSON until
// ctx is done. The trace is then stopped, the session detached, and the final packets written.
func RunDump(ctx context.Context, client *Client, config DumpConfig, out io.Writer) error {
	if _, err := client.Attach(ctx); err != nil {
		return fmt.Errorf("attach failed: %w", err)
	}
	fieldNames := make([]string, len(config.Fields))
	for i, f := range config.Fields {
		fieldNames[i] = string(f)
	}
	started, err := client.StartTrace(ctx, StartTraceRequest{Trace: fieldNames, Name: config.TraceName})
	if err != nil {
		detachCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, detachErr := client.Detach(detachCtx)
		return errors.Join(fmt.Errorf("start trace failed: %w", err), detachErr)
	}
	log.Printf("Started trace %q with fields: %s", started.Name, FormatTraceFields(config.Fields))

	enc := json.NewEncoder(out)
	var written int
	writeMessages := func(messages []TracesMessage) error {
		for _, msg := range messages {
			for _, p := range msg.Traces {
				if err := enc.Encode(p); err != nil {
					return err
				}
				written++
			}
		}
		return nil
	}

	pollWait := cmp.Or(config.PollWait, time.Second)
	polled := make(chan []TracesMessage, 16)
	errGroup, groupCtx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		defer close(polled)
		for {
			resp, err := client.PollTraces(groupCtx, pollWait)
			if err != nil {
				if groupCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("poll traces failed: %w", err)
			} else if resp.Dropped > 0 {
				log.Printf("%sServer dropped %d traces messages", ErrorLogPrefix, resp.Dropped)
			}
			if len(resp.Messages) == 0 {
				continue
			}
			select {
			case polled <- resp.Messages:
			case <-groupCtx.Done():
				return nil
			}
		}
	})
	errGroup.Go(func() error {
		for messages := range polled {
			if err := writeMessages(messages); err != nil {
				return fmt.Errorf("write traces failed: %w", err)
			}
		}
		return nil
	})
	runErr := errGroup.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, stopErr := client.StopTrace(stopCtx, StopTraceRequest{Name: started.Name})
	_, detachErr := client.Detach(stopCtx)
	var finalErr error
	if detachErr == nil {
		if final, err := client.PollTraces(stopCtx, 0); err != nil {
			finalErr = err
		} else {
			finalErr = writeMessages(final.Messages)
		}
	}
	log.Printf("Trace %q stopped after %d packets", started.Name, written)
	return errors.Join(runErr, stopErr, detachErr, finalErr)
}
