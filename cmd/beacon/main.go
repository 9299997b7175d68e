package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwise1/groupbeacon/config"
	"github.com/bwise1/groupbeacon/internal/aggregator"
	deps "github.com/bwise1/groupbeacon/internal/debs"
	"github.com/bwise1/groupbeacon/internal/geo"
	"github.com/bwise1/groupbeacon/internal/model"
	"github.com/bwise1/groupbeacon/internal/position"
	"github.com/bwise1/groupbeacon/internal/reporter"
	"github.com/bwise1/groupbeacon/internal/session"
	"github.com/bwise1/groupbeacon/util"
	"github.com/bwise1/groupbeacon/util/logging"
)

// Fallback map center when the group carries no geofence.
const (
	defaultLat = 39.0
	defaultLng = 35.2433
)

// consoleNotifier prints group signals instead of raising UI alerts.
type consoleNotifier struct {
	log *slog.Logger
}

func (n *consoleNotifier) MemberJoined(displayName string) {
	n.log.Info("member joined", "name", displayName)
}

func (n *consoleNotifier) GeofenceViolation(v model.GeofenceViolation) {
	n.log.Warn("geofence violation",
		"user", v.UserID,
		"distance", util.FormatMeters(v.Distance),
		"radius", util.FormatMeters(v.Radius))
}

func (n *consoleNotifier) GroupDeleted(groupID string) {
	n.log.Warn("group deleted", "group", groupID)
}

func main() {
	cfg := config.New()
	logging.Setup()
	logger := slog.Default()

	d := deps.New(cfg)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First run mints an identity; later runs reuse the stored one.
	userID, err := d.Store.UserID()
	if err != nil {
		log.Panicf("failed to read identity: %v", err)
	}
	if userID == "" {
		userID = util.GenerateUUID().String()
		if err := d.Store.SetUserID(userID); err != nil {
			log.Panicf("failed to persist identity: %v", err)
		}
	}
	if cfg.AuthToken != "" {
		if err := d.Store.SetAuthToken(cfg.AuthToken); err != nil {
			log.Panicf("failed to persist auth token: %v", err)
		}
	}

	// A join code switches the active group; otherwise the stored one is
	// reused.
	var info model.GroupInfo
	haveInfo := false
	if cfg.GroupCode != "" {
		info, err = d.Client.GroupInfo(ctx, cfg.GroupCode)
		if err != nil {
			log.Panicf("failed to resolve group code: %v", err)
		}
		haveInfo = true
		name := cfg.DisplayName
		if name == "" {
			name = userID
		}
		if err := d.Client.JoinGroup(ctx, info.ID, userID, name); err != nil {
			log.Panicf("failed to join group: %v", err)
		}
		if err := d.Store.SetActiveGroup(info.ID); err != nil {
			log.Panicf("failed to persist active group: %v", err)
		}
	}

	sess, err := session.Load(d.Store, "")
	if err != nil {
		log.Panicf("no usable session: %v", err)
	}
	if sess.GroupID == "" {
		log.Panicln("no active group, set GROUP_CODE to join one")
	}

	startLat, startLng := defaultLat, defaultLng
	if haveInfo && info.Lat != nil && info.Lng != nil {
		startLat, startLng = *info.Lat, *info.Lng
	}
	source := position.NewSimulated(startLat, startLng)

	rep := reporter.New(sess, source, d.Channel, d.Client, d.Store,
		reporter.WithKeepAlive(cfg.KeepAlive))

	agg := aggregator.New(sess, d.Client, d.Store, &consoleNotifier{log: logger},
		aggregator.WithPollInterval(cfg.PollInterval),
		aggregator.WithSharingControl(rep))
	if haveInfo {
		if fence, ok := geo.NewGeofence(info); ok {
			agg.SetGeofence(fence)
		}
	}

	agg.Bind(d.Channel)
	d.Channel.OnConnect(func(reconnect bool) {
		if err := d.Channel.JoinGroup(sess.GroupID); err != nil {
			logger.Warn("failed to join group room", "error", err)
		}
		if reconnect {
			rep.HandleReconnect()
		}
	})
	if err := d.Channel.Dial(ctx); err != nil {
		logger.Warn("push channel unavailable, using http fallback", "error", err)
	}

	if err := agg.LoadMembers(ctx); err != nil {
		logger.Warn("initial roster pull failed", "error", err)
	}
	if err := agg.LoadLocations(ctx); err != nil {
		logger.Warn("initial locations pull failed", "error", err)
	}
	agg.StartPolling(ctx)

	resumed, err := rep.Resume(ctx)
	if err != nil {
		logger.Warn("failed to resume sharing", "error", err)
	}
	if !resumed {
		if err := rep.Start(ctx); err != nil {
			logger.Error("failed to start sharing", "error", err)
		}
	}

	go printLoop(ctx, logger, agg)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-stopChan

	log.Println("Shutting down beacon...")
	rep.Stop()
	agg.Close()
}

// printLoop dumps the live member view every half minute.
func printLoop(ctx context.Context, logger *slog.Logger, agg *aggregator.Aggregator) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range agg.Members() {
				attrs := []interface{}{"user", m.UserID, "name", m.DisplayName, "online", m.IsOnline}
				if m.DistanceFromCenter != nil {
					attrs = append(attrs,
						"distance", util.FormatMeters(*m.DistanceFromCenter),
						"inWorkArea", m.InWorkArea != nil && *m.InWorkArea)
				}
				logger.Info("member", attrs...)
			}
		}
	}
}
