// Load test harness for the chat server. Ramps up a population of
// authenticated clients, keeps them chatting for a sustain window, and
// reports client-side counters against what /health claims.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/williamchildres/terminal-messenger/internal/protocol"
)

type Config struct {
	WSURL              string
	HealthURL          string
	Credentials        []string
	TargetConnections  int
	RampRate           int // connections per second
	SustainDurationSec int
	ChatIntervalSec    int
	ReportIntervalSec  int
	HealthCheckSec     int
	ConnectionTimeout  int // milliseconds
}

type State struct {
	activeConnections int64
	authedConnections int64
	totalCreated      int64
	failedConnections int64
	authFailures      int64
	connectionErrors  sync.Map // map[string]*int64

	messagesSent     int64
	chatReceived     int64
	systemReceived   int64
	decodeErrors     int64

	lastHealth *healthSnapshot

	startTime        time.Time
	rampStartTime    time.Time
	sustainStartTime time.Time
	phase            string // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

// healthSnapshot mirrors the server's /health payload.
type healthSnapshot struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Connections   int     `json:"connections"`
}

// Connection is one simulated chat user.
type Connection struct {
	id        int
	creds     string
	username  string
	ws        *websocket.Conn
	authed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// phantomThreshold is how far the server-reported connection count may
// drift from ours before the report flags it.
const phantomThreshold = 5

var (
	state  *State
	config *Config
)

func main() {
	config = parseFlags()
	state = &State{
		startTime:     time.Now(),
		rampStartTime: time.Now(),
		phase:         "ramping",
	}

	log.Printf("\n" + strings.Repeat("=", 72))
	log.Printf("CHAT SERVER LOAD TEST")
	log.Printf(strings.Repeat("=", 72))
	log.Printf("  Target:        %d connections", config.TargetConnections)
	log.Printf("  Ramp rate:     %d conn/sec", config.RampRate)
	log.Printf("  Sustain:       %ds", config.SustainDurationSec)
	log.Printf("  Chat interval: %ds per client", config.ChatIntervalSec)
	log.Printf("  Server:        %s", config.WSURL)
	log.Printf("  Health:        %s", config.HealthURL)
	log.Printf("  Credentials:   %d distinct users", len(config.Credentials))
	log.Printf(strings.Repeat("=", 72) + "\n")

	if err := checkServerHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("shutdown signal received, stopping test")
		cancel()
	}()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	if err := rampUpConnections(ctx); err != nil {
		log.Fatalf("ramp-up failed: %v", err)
	}

	if state.phase == "sustaining" {
		select {
		case <-time.After(time.Duration(config.SustainDurationSec) * time.Second):
			state.phase = "completed"
		case <-ctx.Done():
			log.Printf("sustain phase interrupted")
		}
	}

	log.Printf("test completed")
	printReport()
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:8080/ws"), "WebSocket server URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:8080/health"), "Health check URL")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 100), "Target number of connections")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 20), "Connections per second during ramp-up")
	flag.IntVar(&cfg.SustainDurationSec, "duration", getEnvInt("DURATION", 60), "Sustain duration in seconds")
	flag.IntVar(&cfg.ChatIntervalSec, "chat-interval", getEnvInt("CHAT_INTERVAL", 5), "Seconds between chat messages per client")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthCheckSec, "health-interval", 5, "Health check interval in seconds")
	flag.IntVar(&cfg.ConnectionTimeout, "connection-timeout", getEnvInt("CONNECTION_TIMEOUT", 10000), "Connection timeout in milliseconds")

	credsStr := flag.String("credentials", getEnv("CREDENTIALS", "user1:password1,user2:password2"), "Comma-separated user:password pairs, assigned round-robin")

	flag.Parse()

	for _, c := range strings.Split(*credsStr, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Credentials = append(cfg.Credentials, c)
		}
	}
	if len(cfg.Credentials) == 0 {
		log.Fatal("no credentials given")
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func rampUpConnections(ctx context.Context) error {
	log.Printf("ramping up: %d connections at %d/sec", config.TargetConnections, config.RampRate)

	batchSize := max(config.RampRate/10, 1)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	connectionID := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(config.TargetConnections) {
				state.phase = "sustaining"
				state.sustainStartTime = time.Now()
				log.Printf("ramp-up complete, %d active; sustaining for %ds",
					atomic.LoadInt64(&state.activeConnections), config.SustainDurationSec)
				return nil
			}

			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(config.TargetConnections); i++ {
				wg.Add(1)
				id := connectionID
				connectionID++
				atomic.AddInt64(&state.totalCreated, 1)

				go func(connID int) {
					defer wg.Done()
					conn := NewConnection(connID, ctx)
					if err := conn.Connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						if val, _ := state.connectionErrors.LoadOrStore(errorKey(err), new(int64)); val != nil {
							atomic.AddInt64(val.(*int64), 1)
						}
					}
				}(id)
			}
			wg.Wait()
		}
	}
}

// errorKey collapses per-connection detail so the same failure mode
// shares one counter.
func errorKey(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		return msg[:idx]
	}
	return msg
}

func NewConnection(id int, ctx context.Context) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	creds := config.Credentials[id%len(config.Credentials)]
	username, _, _ := strings.Cut(creds, ":")
	return &Connection{
		id:       id,
		creds:    creds,
		username: username,
		ctx:      connCtx,
		cancel:   cancel,
	}
}

func (c *Connection) Connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(config.ConnectionTimeout) * time.Millisecond,
		// TCP keep-alive keeps idle connections visible to load
		// balancers between chat messages.
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{
				Timeout:   time.Duration(config.ConnectionTimeout) * time.Millisecond,
				KeepAlive: 30 * time.Second,
			}
			return d.DialContext(ctx, network, addr)
		},
	}

	ws, resp, err := dialer.Dial(config.WSURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial: %w", err)
	}
	c.ws = ws
	atomic.AddInt64(&state.activeConnections, 1)

	if err := c.authenticate(); err != nil {
		atomic.AddInt64(&state.authFailures, 1)
		c.close()
		return fmt.Errorf("auth: %w", err)
	}
	c.authed.Store(true)
	atomic.AddInt64(&state.authedConnections, 1)

	go c.readPump()
	go c.chatPump()

	return nil
}

func (c *Connection) authenticate() error {
	if err := c.send(protocol.NewSystem(c.creds)); err != nil {
		return err
	}
	c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil || env.System == nil {
			continue
		}
		if strings.Contains(*env.System, "Authentication successful") {
			return nil
		}
		if strings.Contains(*env.System, "Authentication failed") ||
			strings.Contains(*env.System, "Max login attempts") {
			return fmt.Errorf("rejected: %s", *env.System)
		}
	}
}

func (c *Connection) send(e protocol.Envelope) error {
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) readPump() {
	defer c.close()

	// The server probes every ping interval; 75s allows for one missed
	// probe before the client gives up. gorilla answers pings itself.
	const readTimeout = 75 * time.Second
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		env, err := protocol.Decode(data)
		if err != nil {
			atomic.AddInt64(&state.decodeErrors, 1)
			continue
		}
		switch {
		case env.Chat != nil:
			atomic.AddInt64(&state.chatReceived, 1)
		case env.System != nil:
			atomic.AddInt64(&state.systemReceived, 1)
		}
	}
}

func (c *Connection) chatPump() {
	// Jitter spreads the chatter so messages do not arrive in lockstep
	// bursts.
	interval := time.Duration(config.ChatIntervalSec) * time.Second
	time.Sleep(time.Duration(rand.Int63n(int64(interval))))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			n++
			msg := protocol.NewChat(c.username, fmt.Sprintf("load message %d from client %d", n, c.id))
			if err := c.send(msg); err != nil {
				log.Printf("connection %d dead (send failed): %v", c.id, err)
				c.close()
				return
			}
			atomic.AddInt64(&state.messagesSent, 1)
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		if c.authed.Load() {
			atomic.AddInt64(&state.authedConnections, -1)
		}
		if c.ws != nil {
			c.ws.Close()
		}
		c.cancel()
	})
}

func checkServerHealth() error {
	resp, err := http.Get(config.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health healthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealth = &health
	state.mu.Unlock()
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthCheckSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	state.mu.RLock()
	health := state.lastHealth
	state.mu.RUnlock()

	active := atomic.LoadInt64(&state.activeConnections)
	authed := atomic.LoadInt64(&state.authedConnections)
	totalCreated := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	sent := atomic.LoadInt64(&state.messagesSent)
	chats := atomic.LoadInt64(&state.chatReceived)
	systems := atomic.LoadInt64(&state.systemReceived)

	successRate := 100.0
	if totalCreated > 0 {
		successRate = float64(totalCreated-failed) / float64(totalCreated) * 100
	}

	log.Printf("\n" + strings.Repeat("=", 72))
	log.Printf("LOAD TEST - elapsed %ds - phase %s", elapsed, strings.ToUpper(state.phase))
	log.Printf(strings.Repeat("=", 72))
	log.Printf("Connections:")
	log.Printf("  Active:        %d / %d target", active, config.TargetConnections)
	log.Printf("  Authenticated: %d", authed)
	log.Printf("  Created:       %d", totalCreated)
	log.Printf("  Failed:        %d (auth: %d)", failed, atomic.LoadInt64(&state.authFailures))
	log.Printf("  Success rate:  %.1f%%", successRate)

	log.Printf("Messages:")
	log.Printf("  Sent:          %s (%.2f msg/sec)", formatNumber(sent), float64(sent)/float64(max(elapsed, 1)))
	log.Printf("  Chat recv:     %s", formatNumber(chats))
	log.Printf("  System recv:   %s", formatNumber(systems))
	if d := atomic.LoadInt64(&state.decodeErrors); d > 0 {
		log.Printf("  Decode errors: %d", d)
	}

	if health != nil {
		log.Printf("Server:")
		log.Printf("  Status:        %s", health.Status)
		log.Printf("  Uptime:        %.0fs", health.UptimeSeconds)
		log.Printf("  Reports:       %d connections", health.Connections)
		// Phantom connections: sessions the server still counts after
		// the client side considers them gone, or vice versa.
		if diff := int64(health.Connections) - authed; diff > phantomThreshold || diff < -phantomThreshold {
			log.Printf("  WARNING:       count drift %+d (server %d vs client %d)", diff, health.Connections, authed)
		}
	} else {
		log.Printf("Server: no health data")
	}

	hasErrors := false
	state.connectionErrors.Range(func(key, value any) bool {
		hasErrors = true
		return false
	})
	if hasErrors {
		log.Printf("Connection errors:")
		state.connectionErrors.Range(func(key, value any) bool {
			log.Printf("  %s: %d", key, atomic.LoadInt64(value.(*int64)))
			return true
		})
	}
	log.Printf(strings.Repeat("=", 72) + "\n")
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	str := fmt.Sprintf("%d", n)
	var result []rune
	for i, ch := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, ch)
	}
	return string(result)
}
