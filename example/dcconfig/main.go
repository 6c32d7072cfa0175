package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/mtgram/mtgo/config"
	"github.com/mtgram/mtgo/mtproto"
)

func main() {
	cfgPath := flag.String("config", "", "path to toml config, built-in defaults if empty")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalln("config err:", err.Error())
			return
		}
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	store, err := cfg.OpenStorage()
	if err != nil {
		log.Fatalln("storage err:", err.Error())
		return
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	opts, err := cfg.ManagerOptions(store, logger)
	if err != nil {
		log.Fatalln("options err:", err.Error())
		return
	}

	m := mtproto.NewManager(opts...)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// the handshake runs in background, config request waits in queue for the key
	conn, err := m.EnsureConnection(mtproto.ConnectionSpec{DC: m.HomeDC()})
	if err != nil {
		log.Fatalln("connect err:", err.Error())
		return
	}

	if _, err = conn.WaitStatus(ctx, mtproto.StatusHasDHKey, mtproto.StatusSigned); err != nil {
		log.Fatalln("handshake err:", err.Error())
		return
	}
	fmt.Printf("auth key %016x with %s\n", conn.AuthKeyID(), conn.Option())

	dcCfg, err := m.FetchConfig(ctx)
	if err != nil {
		log.Fatalln("get config err:", err.Error())
		return
	}

	fmt.Printf("this dc: %d, test mode: %v, expires: %s\n", dcCfg.ThisDC, dcCfg.TestMode, time.Unix(dcCfg.Expires, 0))
	for _, o := range dcCfg.DcOptions {
		fmt.Println(" ", o.String())
	}
}
