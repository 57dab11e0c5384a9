// Package main provides a stress testing tool for the lecture chat WebSocket server.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesReceived     int64
	RateLimited          int64
	Errors               int64
}

var metrics Metrics

func main() {
	host := flag.String("host", "localhost:8080", "API server host")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "Bearer token for the test user")
	roomID := flag.String("room", "stress-room", "Room ID to join")
	clients := flag.Int("clients", 50, "Number of concurrent clients")
	rate := flag.Duration("rate", 2*time.Second, "Interval between messages per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	if *token == "" {
		log.Fatal("a bearer token is required (-token or CHAT_TOKEN)")
	}

	log.Printf("🚀 Starting Chat Stress Test")
	log.Printf("Target: %s", *host)
	log.Printf("Room: %s", *roomID)
	log.Printf("Clients: %d", *clients)
	log.Printf("Duration: %v", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, *token, *roomID, *rate, i, stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections to allow ticket issuance
	}

	select {
	case <-time.After(*duration):
		log.Println("⏱️  Test duration reached")
	case <-interrupt:
		log.Println("🛑 Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

// issueTicket exchanges the bearer token for a single-use WebSocket ticket.
func issueTicket(host, token string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/ws/ticket", host), bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket request failed with status %d", resp.StatusCode)
	}

	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Ticket, nil
}

func runClient(host, token, roomID string, rate time.Duration, id int, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	ticket, err := issueTicket(host, token)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		log.Printf("client %d: ticket failed: %v", id, err)
		return
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/api/ws/chat", RawQuery: "ticket=" + url.QueryEscape(ticket)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		log.Printf("client %d: dial failed: %v", id, err)
		return
	}
	defer conn.Close()
	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Reader goroutine counts everything coming back.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.MessagesReceived, 1)
			var frame struct {
				Event   string `json:"event"`
				Payload struct {
					Code string `json:"code"`
					Err  struct {
						Code string `json:"code"`
					} `json:"error"`
				} `json:"payload"`
			}
			if json.Unmarshal(data, &frame) == nil {
				code := frame.Payload.Code
				if code == "" {
					code = frame.Payload.Err.Code
				}
				switch code {
				case "RATE_LIMITED", "SLOW_MODE":
					atomic.AddInt64(&metrics.RateLimited, 1)
				case "":
				default:
					atomic.AddInt64(&metrics.Errors, 1)
				}
			}
		}
	}()

	send := func(command string, payload any) bool {
		raw, _ := json.Marshal(payload)
		frame := map[string]any{"command": command, "payload": json.RawMessage(raw)}
		if err := conn.WriteJSON(frame); err != nil {
			return false
		}
		atomic.AddInt64(&metrics.MessagesSent, 1)
		return true
	}

	if !send("join-room", map[string]string{"roomId": roomID}) {
		return
	}

	ticker := time.NewTicker(rate + time.Duration(rand.Intn(500))*time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			send("leave-room", map[string]string{"roomId": roomID})
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case <-done:
			return
		case <-ticker.C:
			send("send-message", map[string]string{
				"roomId":  roomID,
				"content": fmt.Sprintf("stress message from client %d at %d", id, time.Now().UnixMilli()),
			})
		}
	}
}

func printMetrics() {
	log.Println("📊 Test Results:")
	log.Printf("  Connections attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("  Connections succeeded: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("  Connections failed:    %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("  Messages sent:         %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("  Messages received:     %d", atomic.LoadInt64(&metrics.MessagesReceived))
	log.Printf("  Rate limited:          %d", atomic.LoadInt64(&metrics.RateLimited))
	log.Printf("  Errors:                %d", atomic.LoadInt64(&metrics.Errors))
}
