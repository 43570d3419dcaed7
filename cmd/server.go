package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"musicsync/cache"
	"musicsync/config"
	"musicsync/db"
	"musicsync/logger"
	"musicsync/model"
	"musicsync/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动MusicSync服务器",
	Long:  `启动MusicSync的HTTP服务器，提供曲库列举、播放链接与预加载API`,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// runServer 按依赖顺序完成启动：日志 → 数据库 → Redis → HTTP服务
func runServer() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      cfg.LogLevel,
		OutputPath: cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	})

	if err := db.ConnectDB(cfg); err != nil {
		log.Fatalf("无法连接到数据库: %v", err)
	}
	if err := db.InitDB(); err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}

	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("无法建立GORM连接: %v", err)
	}
	if err := db.AutoMigrateModels(&model.StreamURLCacheEntry{}); err != nil {
		log.Fatalf("模型迁移失败: %v", err)
	}
	defer db.CloseGormDB()

	if err := cache.ConnectRedis(cfg); err != nil {
		log.Fatalf("无法连接到Redis: %v", err)
	}
	defer cache.CloseRedis()

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("服务器装配失败: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("服务器运行失败: %v", err)
	}
}
