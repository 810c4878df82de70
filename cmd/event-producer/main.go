// Command event-producer simulates players: it opens sessions over the HTTP
// API, streams their gameplay events through Kafka, and ends them again.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/kafka"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func playerIdentity(idx int) string {
	return fmt.Sprintf("%s-%04d", strings.ToLower(playerPrefixes[idx%len(playerPrefixes)]), idx)
}

// eventMix weights event kinds roughly the way a real round produces them
var eventMix = []struct {
	kind   domain.EventKind
	weight int
	amount func() int64
}{
	{domain.EventScore, 50, func() int64 { return int64(rand.Intn(90) + 10) }},
	{domain.EventEnemyKilled, 20, func() int64 { return 1 }},
	{domain.EventBombUsed, 20, func() int64 { return 1 }},
	{domain.EventTokens, 8, func() int64 { return int64(rand.Intn(3) + 1) }},
	{domain.EventLevelCompleted, 2, func() int64 { return 1 }},
}

func randomEvent(sessionID string) kafka.EventMessage {
	total := 0
	for _, e := range eventMix {
		total += e.weight
	}
	pick := rand.Intn(total)
	for _, e := range eventMix {
		if pick < e.weight {
			return kafka.EventMessage{SessionID: sessionID, Kind: e.kind, Amount: e.amount()}
		}
		pick -= e.weight
	}
	return kafka.EventMessage{SessionID: sessionID, Kind: domain.EventScore, Amount: 10}
}

type apiClient struct {
	base string
	http *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (c *apiClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	if !env.Success {
		return fmt.Errorf("%s: %s (%d)", path, env.Error, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "kaboom-game-events", "Kafka events topic")
	apiURL := flag.String("api", "http://localhost:8080", "Game API base URL")
	players := flag.Int("players", 20, "Concurrent simulated players")
	eventsPerSession := flag.Int("events", 200, "Events per session before it ends")
	rate := flag.Int("rate", 100, "Events per second across all players")
	duration := flag.Duration("duration", 0, "Duration to run (0 = until interrupted)")
	flag.Parse()

	fmt.Println("kaboom event producer")
	fmt.Printf("  brokers: %s  topic: %s  api: %s\n", *brokers, *topic, *apiURL)
	fmt.Printf("  players: %d  events/session: %d  rate: %d/s\n\n", *players, *eventsPerSession, *rate)

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond
	cfg.Producer.Flush.Messages = 100
	// Keyed by session id; the hash partitioner keeps a session on one partition.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), cfg)
	if err != nil {
		log.Fatalf("failed to create producer: %v", err)
	}

	var sent, failed, sessions int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&sent, 1)
		}
	}()
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&failed, 1)
			log.Printf("producer error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	api := &apiClient{base: strings.TrimRight(*apiURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	// One shared ticker paces the whole fleet.
	tick := time.NewTicker(time.Second / time.Duration(max(*rate, 1)))
	defer tick.Stop()

	play := func(idx int) {
		identity := playerIdentity(idx)
		for ctx.Err() == nil {
			var state domain.SessionState
			if err := api.post(ctx, "/api/v1/sessions", domain.StartSessionRequest{Identity: identity}, &state); err != nil {
				log.Printf("%s: start session: %v", identity, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			atomic.AddInt64(&sessions, 1)

		events:
			for i := 0; i < *eventsPerSession; i++ {
				select {
				case <-ctx.Done():
					break events
				case <-tick.C:
				}
				data, _ := json.Marshal(randomEvent(state.SessionID))
				producer.Input() <- &sarama.ProducerMessage{
					Topic: *topic,
					Key:   sarama.StringEncoder(state.SessionID),
					Value: sarama.ByteEncoder(data),
				}
			}

			endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			var result domain.EndResult
			if err := api.post(endCtx, "/api/v1/sessions/"+state.SessionID+"/end", struct{}{}, &result); err != nil {
				log.Printf("%s: end session: %v", identity, err)
			} else if !result.Valid {
				log.Printf("%s: session %s rejected (cheat score %.2f)", identity, state.SessionID, result.CheatScore)
			}
			cancel()
		}
	}

	var fleet sync.WaitGroup
	for i := 0; i < *players; i++ {
		fleet.Add(1)
		go func(idx int) {
			defer fleet.Done()
			play(idx)
		}(i)
	}

	stats := time.NewTicker(5 * time.Second)
	defer stats.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stats.C:
				fmt.Printf("[%s] sessions: %d | sent: %d | errors: %d\n",
					time.Now().Format("15:04:05"),
					atomic.LoadInt64(&sessions),
					atomic.LoadInt64(&sent),
					atomic.LoadInt64(&failed),
				)
			}
		}
	}()

	fleet.Wait()
	producer.AsyncClose()
	wg.Wait()
	fmt.Printf("\ndone. sessions: %d, sent: %d, errors: %d\n",
		atomic.LoadInt64(&sessions), atomic.LoadInt64(&sent), atomic.LoadInt64(&failed))
}
