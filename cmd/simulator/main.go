// Package main drives simulated users through the waiting room.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"

	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Config holds simulation configuration.
type Config struct {
	ServerURL    string
	Queue        string
	Users        int
	Workers      int
	Arrival      time.Duration
	PollInterval time.Duration
	AbandonRate  float64
}

// Stats holds simulation statistics.
type Stats struct {
	Enrolled  atomic.Int64
	Admitted  atomic.Int64
	Abandoned atomic.Int64
	Failed    atomic.Int64
	Polls     atomic.Int64
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := Config{}
	root := &cobra.Command{
		Use:          "simulator",
		Short:        "Send simulated users through the waiting room",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, logrus.StandardLogger())
		},
	}
	f := root.Flags()
	f.StringVar(&cfg.ServerURL, "server", getEnv("SERVER_URL", "http://localhost:9010"), "admission server base URL")
	f.StringVar(&cfg.Queue, "queue", getEnv("QUEUE", "default"), "queue to join")
	f.IntVar(&cfg.Users, "users", 50, "number of simulated users")
	f.IntVar(&cfg.Workers, "workers", 10, "concurrent users")
	f.DurationVar(&cfg.Arrival, "arrival", 100*time.Millisecond, "delay between user arrivals")
	f.DurationVar(&cfg.PollInterval, "poll", time.Second, "progress polling interval")
	f.Float64Var(&cfg.AbandonRate, "abandon", 0.01, "chance per poll that a user gives up")

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("simulation failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger logrus.FieldLogger) error {
	if cfg.Users <= 0 || cfg.Workers <= 0 {
		return errors.New("users and workers must be positive")
	}
	logger.WithFields(logrus.Fields{
		"server": cfg.ServerURL,
		"queue":  cfg.Queue,
		"users":  cfg.Users,
	}).Info("starting simulation")

	c := &client{base: cfg.ServerURL, queue: cfg.Queue, http: &http.Client{Timeout: 10 * time.Second}}
	stats := &Stats{}
	start := time.Now()

	users := make(chan int64)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range users {
				simulateUser(ctx, c, cfg, id, stats, logger.WithField("user_id", id))
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printStats(logger, stats)
			}
		}
	}()

feed:
	for i := 1; i <= cfg.Users; i++ {
		select {
		case <-ctx.Done():
			break feed
		case users <- int64(i):
		}
		time.Sleep(cfg.Arrival)
	}
	close(users)
	wg.Wait()

	logger.WithField("elapsed", time.Since(start)).Info("simulation finished")
	printStats(logger, stats)
	return nil
}

func simulateUser(ctx context.Context, c *client, cfg Config, id int64, stats *Stats, logger logrus.FieldLogger) {
	room, err := c.waitingRoom(ctx, id)
	if err != nil {
		logger.WithError(err).Warn("enter waiting room")
		stats.Failed.Inc()
		return
	}
	stats.Enrolled.Inc()
	logger.WithField("ahead", room.QueueFront).Debug("joined queue")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := c.progress(ctx, id)
		if err != nil {
			logger.WithError(err).Warn("poll progress")
			stats.Failed.Inc()
			return
		}
		stats.Polls.Inc()

		if status.QueueFront < 0 {
			tok, err := c.touch(ctx, id)
			if err != nil {
				logger.WithError(err).Warn("touch")
				stats.Failed.Inc()
				return
			}
			allowed, err := c.allowed(ctx, id, tok)
			if err != nil {
				logger.WithError(err).Warn("check access")
				stats.Failed.Inc()
				return
			}
			if allowed {
				logger.Info("admitted")
				stats.Admitted.Inc()
				return
			}
		}

		if rand.Float64() < cfg.AbandonRate {
			logger.WithField("progress", status.Progress).Info("abandoned queue")
			stats.Abandoned.Inc()
			return
		}
	}
}

func printStats(logger logrus.FieldLogger, s *Stats) {
	logger.WithFields(logrus.Fields{
		"enrolled":  s.Enrolled.Load(),
		"admitted":  s.Admitted.Load(),
		"abandoned": s.Abandoned.Load(),
		"failed":    s.Failed.Load(),
		"polls":     s.Polls.Load(),
	}).Info("stats")
}

type client struct {
	base  string
	queue string
	http  *http.Client
}

func (c *client) query(id int64, extra ...string) url.Values {
	v := url.Values{}
	v.Set("queue", c.queue)
	v.Set("user-id", strconv.FormatInt(id, 10))
	for i := 0; i+1 < len(extra); i += 2 {
		v.Set(extra[i], extra[i+1])
	}
	return v
}

func (c *client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		var e models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, errors.Errorf("%s: status %d %s %s", path, resp.StatusCode, e.Code, e.Message)
	}
	return resp, nil
}

func getJSON[T any](ctx context.Context, c *client, path string, q url.Values) (T, error) {
	var v T
	resp, err := c.get(ctx, path, q)
	if err != nil {
		return v, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return v, errors.Wrapf(err, "decode %s", path)
	}
	return v, nil
}

func (c *client) waitingRoom(ctx context.Context, id int64) (models.WaitingRoomResponse, error) {
	q := c.query(id, "redirect-url", fmt.Sprintf("/shop?user-id=%d", id))
	return getJSON[models.WaitingRoomResponse](ctx, c, "/waiting-room", q)
}

func (c *client) progress(ctx context.Context, id int64) (models.QueueStatusResponse, error) {
	return getJSON[models.QueueStatusResponse](ctx, c, "/api/v1/queue/progress", c.query(id))
}

func (c *client) allowed(ctx context.Context, id int64, tok string) (bool, error) {
	r, err := getJSON[models.AllowedUserResponse](ctx, c, "/api/v1/queue/allowed", c.query(id, "token", tok))
	return r.Allowed, err
}

func (c *client) touch(ctx context.Context, id int64) (string, error) {
	resp, err := c.get(ctx, "/api/v1/queue/touch", c.query(id))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "read token")
	}
	return string(body), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
