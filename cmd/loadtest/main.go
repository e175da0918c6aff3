package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/transport"
	"github.com/example/cellsync/internal/types"
	"github.com/example/cellsync/internal/wire"
)

const (
	markerTable = "loadtest"
	markerCell  = "sent_at"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "replica base URL")
	clients := flag.Int("clients", 200, "number of concurrent websocket sessions")
	writes := flag.Int("writes", 20, "number of marker writes")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between writes")
	via := flag.String("via", "ws", "write path: ws (changes frames) or http (cell API)")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid replica address")
	}
	wsURL := *base
	wsURL.Scheme = "ws"
	if base.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws"

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{transport.SubprotocolBinary},
	}

	latencyCh := make(chan latencySample, *clients**writes)
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			u := wsURL
			q := u.Query()
			q.Set("client_id", clientID)
			u.RawQuery = q.Encode()

			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Str("client", clientID).Msg("dial failed")
				return
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			// Catch up first so the markers measure live fan-out only.
			if err := sendFrame(conn, wire.Frame{Type: wire.FrameDigest}); err != nil {
				logger.Error().Err(err).Str("client", clientID).Msg("digest frame failed")
				return
			}
			readerLoop(ctx, conn, latencyCh, logger)
		}(i)
	}

	go func() {
		defer stop()
		// Give the sessions a moment to finish their catch-up exchange.
		time.Sleep(time.Second)
		if err := writeProbes(ctx, *via, *addr, wsURL.String(), dialer, *writes, *interval); err != nil {
			logger.Error().Err(err).Msg("marker writer failed")
			return
		}
		time.Sleep(2 * time.Second)
	}()

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	wg.Wait()
	report(latencyCh, logger)
}

func writeProbes(ctx context.Context, via, addr, wsURL string, dialer websocket.Dialer, writes int, interval time.Duration) error {
	var send func(row string, sentAt time.Time) error
	switch via {
	case "http":
		client := &http.Client{Timeout: 5 * time.Second}
		send = func(row string, sentAt time.Time) error {
			body, _ := json.Marshal(map[string]any{"value": sentAt.Format(time.RFC3339Nano)})
			req, err := http.NewRequestWithContext(ctx, http.MethodPut,
				fmt.Sprintf("%s/tables/%s/rows/%s/cells/%s", addr, markerTable, row, markerCell), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", wire.ContentTypeJSON)
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("put marker: status %d", resp.StatusCode)
			}
			return nil
		}
	case "ws":
		conn, _, err := dialer.DialContext(ctx, wsURL+"?client_id=writer", nil)
		if err != nil {
			return err
		}
		defer conn.Close()
		clock := hlc.NewClock("loadtest-writer")
		send = func(row string, sentAt time.Time) error {
			h, err := clock.GetLocal()
			if err != nil {
				return err
			}
			return sendFrame(conn, wire.Frame{Type: wire.FrameChanges, Changes: types.Message{{
				Hlc:    h,
				Change: types.Change{Table: markerTable, Row: row, Cell: markerCell, Value: sentAt.Format(time.RFC3339Nano)},
			}}})
		}
	default:
		return fmt.Errorf("unknown write path %q", via)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for j := 0; j < writes; j++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := send(fmt.Sprintf("marker-%d", j), time.Now().UTC()); err != nil {
				return err
			}
		}
	}
	return nil
}

func sendFrame(conn *websocket.Conn, frame wire.Frame) error {
	data, err := wire.Binary.EncodeFrame(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		frame, err := wire.Binary.DecodeFrame(data)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if frame.Type != wire.FrameChanges {
			continue
		}
		for _, entry := range frame.Changes {
			if entry.Change.Table != markerTable || entry.Change.Cell != markerCell {
				continue
			}
			raw, ok := entry.Change.Value.(string)
			if !ok {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				continue
			}
			select {
			case latencies <- latencySample{dur: time.Since(ts)}:
			default:
				// Probes left over from earlier runs arrive with the catch-up batch.
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of marker writes reached sessions within 50ms")
	}
}
