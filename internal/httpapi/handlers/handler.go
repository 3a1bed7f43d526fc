package handlers

import (
	"github.com/tablehq/sheetserve/internal/config"
	"github.com/tablehq/sheetserve/internal/convert"
	"github.com/tablehq/sheetserve/internal/email"
	"github.com/tablehq/sheetserve/internal/store/redisstore"
	"gorm.io/gorm"
)

type Handler struct {
	DB          *gorm.DB
	Cfg         config.Config
	Redis       *redisstore.Store
	SMTPSetting email.SMTPConfig
	ConvSvc     *convert.Service
}

func NewHandler(db *gorm.DB, cfg config.Config, r *redisstore.Store, svc *convert.Service) *Handler {
	return &Handler{
		DB:    db,
		Cfg:   cfg,
		Redis: r,
		SMTPSetting: email.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		},
		ConvSvc: svc,
	}
}
