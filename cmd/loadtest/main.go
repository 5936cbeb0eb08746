package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type latencySample struct {
	dur time.Duration
}

type outboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type inboundFrame struct {
	Type    string `json:"type"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws/event/conv-loadtest", "websocket address to target")
	clients := flag.Int("clients", 1000, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of chat messages to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between messages")
	secret := flag.String("secret", "", "signing secret used to mint session tokens")
	issuer := flag.String("issuer", "eventchat-platform", "token issuer claim")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	if *secret == "" {
		logger.Fatal().Msg("-secret is required to mint session tokens")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			token, err := mintToken(*secret, *issuer, int64(id+1))
			if err != nil {
				logger.Error().Err(err).Int("client", id).Msg("failed to mint token")
				return
			}

			u := *base
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()

			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Int("client", id).Msg("dial failed")
				return
			}
			defer conn.Close()

			go readerLoop(ctx, conn, latencyCh, logger)

			if id == 0 {
				// sender client
				sendTicker := time.NewTicker(*interval)
				defer sendTicker.Stop()
				for j := 0; j < *messages; j++ {
					select {
					case <-ctx.Done():
						return
					case <-sendTicker.C:
						if err := sendMessage(conn); err != nil {
							logger.Error().Err(err).Msg("failed to send message")
							return
						}
					}
				}
				stop()
			} else {
				<-ctx.Done()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

func mintToken(secret, issuer string, userID int64) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      fmt.Sprintf("%d", userID),
		"iss":      issuer,
		"username": fmt.Sprintf("loadtest-%d", userID),
		"iat":      now.Unix(),
		"exp":      now.Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func sendMessage(conn *websocket.Conn) error {
	frame := outboundFrame{
		Type:    "message",
		Content: time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if frame.Type != "new_message" || frame.Message.Content == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, frame.Message.Content); err == nil {
			latencies <- latencySample{dur: time.Since(ts)}
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
		logger.Warn().Msg("less than 95% of broadcasts met the 50ms target")
	}
}
