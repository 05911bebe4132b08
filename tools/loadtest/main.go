package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	wsURL       = flag.String("ws", "ws://localhost:8080/ws", "WebSocket endpoint")
	pushURL     = flag.String("push", "http://localhost:8080/api/message/push", "Message push endpoint")
	appID       = flag.String("app-id", "app-1", "Application id")
	appToken    = flag.String("app-token", "", "Application token sent with pushes")
	tokenFmt    = flag.String("token", "ok:%s", "Client token format, %s is replaced by the user id")
	loginToken  = flag.String("login-token", "", "Bearer token for the push API")
	connections = flag.Int("connections", 100, "Number of concurrent WebSocket clients")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 50.0, "Pushes per second in total")
	batch       = flag.Int("batch", 1, "Users addressed by each push")
	timeout     = flag.Duration("timeout", 5*time.Second, "Dial and request timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	SuccessfulConns  int64
	FailedConns      int64
	TotalPushes      int64
	FailedPushes     int64
	Received         int64
	MinLatency       time.Duration
	MaxLatency       time.Duration
	TotalLatency     time.Duration
	ConnErrors       int64
	ReadErrors       int64
}

var stats Stats

// probe is the message body; SentAt lets a client measure end-to-end latency
type probe struct {
	SentAt int64 `json:"sentAt"`
	Seq    int64 `json:"seq"`
}

func main() {
	flag.Parse()

	fmt.Printf("=== WebSocket Gateway Load Test ===\n")
	fmt.Printf("WebSocket: %s\n", *wsURL)
	fmt.Printf("Push: %s\n", *pushURL)
	fmt.Printf("Clients: %d, App: %s\n", *connections, *appID)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f push/s, %d users per push\n", *rate, *batch)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	// Connect clients
	var wg sync.WaitGroup
	users := make([]string, *connections)
	for i := range users {
		users[i] = "load-" + strconv.Itoa(i)
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			runClient(ctx, userID)
		}(users[i])
	}

	// Give clients time to authenticate before pushing
	time.Sleep(time.Second)

	startTime := time.Now()
	runPusher(ctx, users)

	wg.Wait()
	elapsed := time.Since(startTime)

	// Final report
	<-statsDone
	printFinalReport(elapsed)
}

func runClient(ctx context.Context, userID string) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	q := url.Values{}
	q.Set("app_id", *appID)
	q.Set("user_id", userID)
	q.Set("token", fmt.Sprintf(*tokenFmt, userID))

	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	conn, resp, err := dialer.DialContext(ctx, *wsURL+"?"+q.Encode(), nil)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		atomic.AddInt64(&stats.ConnErrors, 1)
		if *verbose {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			fmt.Printf("❌ Connection failed: %v (status %d)\n", err, status)
		}
		return
	}
	defer conn.Close()

	atomic.AddInt64(&stats.SuccessfulConns, 1)

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddInt64(&stats.ReadErrors, 1)
				if *verbose {
					fmt.Printf("❌ Read failed for %s: %v\n", userID, err)
				}
			}
			return
		}

		var p probe
		if err := json.Unmarshal(data, &p); err != nil || p.SentAt == 0 {
			continue
		}
		recordLatency(time.Since(time.Unix(0, p.SentAt)))
	}
}

func runPusher(ctx context.Context, users []string) {
	client := &http.Client{Timeout: *timeout}
	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			targets := make([]string, 0, *batch)
			for i := 0; i < *batch; i++ {
				targets = append(targets, users[rand.Intn(len(users))])
			}
			go push(ctx, client, seq, targets)
		}
	}
}

func push(ctx context.Context, client *http.Client, seq int64, targets []string) {
	atomic.AddInt64(&stats.TotalPushes, 1)

	msg, _ := json.Marshal(probe{SentAt: time.Now().UnixNano(), Seq: seq})
	body, _ := json.Marshal(map[string]any{
		"appId":    *appID,
		"appToken": *appToken,
		"message":  string(msg),
		"userIds":  targets,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *pushURL, bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&stats.FailedPushes, 1)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if *loginToken != "" {
		req.Header.Set("Authorization", "Bearer "+*loginToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			atomic.AddInt64(&stats.FailedPushes, 1)
			if *verbose {
				fmt.Printf("❌ Push failed: %v\n", err)
			}
		}
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&stats.FailedPushes, 1)
		if *verbose {
			fmt.Printf("❌ Push rejected: status %d\n", resp.StatusCode)
		}
	}
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.Received, 1)

	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin != 0 && latency >= time.Duration(oldMin) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
			break
		}
	}

	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency <= time.Duration(oldMax) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
			break
		}
	}

	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	fmt.Printf("\r[Stats] Clients: %d/%d (failed: %d) | Pushes: %d (failed: %d) | Received: %d",
		atomic.LoadInt64(&stats.SuccessfulConns),
		atomic.LoadInt64(&stats.TotalConnections),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.TotalPushes),
		atomic.LoadInt64(&stats.FailedPushes),
		atomic.LoadInt64(&stats.Received))
}

func printFinalReport(elapsed time.Duration) {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	successConns := atomic.LoadInt64(&stats.SuccessfulConns)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	totalPushes := atomic.LoadInt64(&stats.TotalPushes)
	failedPushes := atomic.LoadInt64(&stats.FailedPushes)
	received := atomic.LoadInt64(&stats.Received)

	fmt.Printf("\n--- Connections ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	if totalConns > 0 {
		fmt.Printf("Successful: %d (%.2f%%)\n", successConns, float64(successConns)/float64(totalConns)*100)
		fmt.Printf("Failed: %d (%.2f%%)\n", failedConns, float64(failedConns)/float64(totalConns)*100)
	}

	fmt.Printf("\n--- Pushes ---\n")
	fmt.Printf("Total: %d\n", totalPushes)
	fmt.Printf("Failed: %d\n", failedPushes)
	fmt.Printf("Messages received: %d\n", received)
	fmt.Printf("Throughput: %.2f msg/s\n", float64(received)/elapsed.Seconds())

	fmt.Printf("\n--- Latency (push to socket) ---\n")
	if received > 0 {
		fmt.Printf("Min: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency))))
		fmt.Printf("Max: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency))))
		fmt.Printf("Avg: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency))/received))
	}

	fmt.Printf("\n--- Errors ---\n")
	fmt.Printf("Connection Errors: %d\n", atomic.LoadInt64(&stats.ConnErrors))
	fmt.Printf("Read Errors: %d\n", atomic.LoadInt64(&stats.ReadErrors))

	// Exit code
	if failedConns > totalConns/10 || failedPushes > totalPushes/10 {
		fmt.Printf("\n❌ Test failed: too many errors\n")
		os.Exit(1)
	}
	fmt.Printf("\n✅ Test completed successfully\n")
}
