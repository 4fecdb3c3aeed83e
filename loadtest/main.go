// Command loadtest drives pairs of users through the chat protocol. Tokens
// are minted locally with JWT_SECRET, so the server must run the memory
// driver or have the users provisioned.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-pairchat/internal/auth"
	"go-pairchat/internal/config"
	"go-pairchat/internal/event"
	"go-pairchat/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	baseURL  = flag.String("url", "http://localhost:8080", "server base url")
	pairs    = flag.Int("pairs", 50, "number of user pairs")
	msgCount = flag.Int("messages", 20, "messages per user")
	interval = flag.Duration("interval", 10*time.Millisecond, "delay between messages of one user")
)

type counters struct {
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

func main() {
	flag.Parse()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.Init(cfg.Env)
	tokens := auth.NewService(cfg.JWTSecret)

	log.Info().Int("users", *pairs*2).Int("messages", *msgCount).Msg("starting load test")
	var (
		wg    sync.WaitGroup
		stats counters
	)
	start := time.Now()

	// User 0a talks to user 0b, 1a to 1b...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(tokens, pairID, &stats)
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", stats.sent.Load()).
		Int64("delivered", stats.delivered.Load()).
		Int64("failed", stats.failed.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("load test complete")
}

func runPair(tokens *auth.Service, pairID int, stats *counters) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)

	tokenA, err := tokens.Issue(userA, userA, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("issue token")
		return
	}
	tokenB, err := tokens.Issue(userB, userB, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("issue token")
		return
	}

	roomID, err := createChat(tokenA, userB)
	if err != nil {
		log.Error().Err(err).Str("user", userA).Msg("create chat failed")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go spamChat(&wg, tokenA, roomID, userA, stats)
	go spamChat(&wg, tokenB, roomID, userB, stats)
	wg.Wait()
}

func createChat(token, otherUserID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"otherUserId": otherUserID})
	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/chats", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var data struct {
		ChatID string `json:"chatId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return data.ChatID, nil
}

func spamChat(wg *sync.WaitGroup, token, roomID, user string, stats *counters) {
	defer wg.Done()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Error().Err(err).Str("user", user).Msg("ws connect failed")
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var ev event.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.Name {
			case event.MessageCreated, event.Notification:
				stats.delivered.Add(1)
			case event.Error:
				stats.failed.Add(1)
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Every(*interval), 1)
	for i := 0; i < *msgCount; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			break
		}
		ev := event.New(event.NewMessage, event.NewMessagePayload{
			RoomID:  roomID,
			Content: fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		})
		if err := conn.WriteJSON(ev); err != nil {
			log.Error().Err(err).Str("user", user).Msg("send failed")
			break
		}
		stats.sent.Add(1)
	}

	// Let in-flight deliveries arrive before hanging up.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	<-readDone
	log.Debug().Str("user", user).Int("messages", *msgCount).Msg("finished sending")
}
