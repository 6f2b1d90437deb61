package main

import (
	"log"

	dispatchservice "github.com/AybarCi/YukleGelTaksi-sub001/cmd/dispatch-service"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/config"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/db"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/mq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger.Init("dispatch-service", cfg.Server.LogLevel)
	defer logger.Sync()

	pg, err := db.NewPostgres(
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Name,
	)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pg.Close()

	if err := pg.RunMigrations("migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	rabbit, err := mq.NewRabbitMQ(
		cfg.RabbitMQ.Host, cfg.RabbitMQ.Port,
		cfg.RabbitMQ.User, cfg.RabbitMQ.Password,
	)
	if err != nil {
		log.Fatalf("rabbitmq error: %v", err)
	}
	defer rabbit.Close()

	if err := dispatchservice.Run(cfg, pg, rabbit); err != nil {
		log.Fatalf("dispatch service error: %v", err)
	}
}
