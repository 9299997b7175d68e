package deps

import (
	"log"

	"github.com/bwise1/groupbeacon/config"
	"github.com/bwise1/groupbeacon/internal/api"
	"github.com/bwise1/groupbeacon/internal/channel"
	"github.com/bwise1/groupbeacon/internal/store"
)

type Dependencies struct {
	Store   *store.Store
	Channel *channel.Channel
	Client  *api.Client
}

func New(cfg *config.Config) *Dependencies {
	path := cfg.StorePath
	if path == "" {
		path = store.DefaultPath()
	}
	st, err := store.Open(path)
	if err != nil {
		log.Panicf("failed to open device store: %v", err)
	}

	deps := Dependencies{
		Store:   st,
		Channel: channel.New(cfg.WSURL),
		Client:  api.New(cfg.APIBaseURL, cfg.AuthToken),
	}
	return &deps
}

func (d *Dependencies) Close() {
	d.Channel.Close()
	if err := d.Store.Close(); err != nil {
		log.Printf("failed to close device store: %v", err)
	}
}
