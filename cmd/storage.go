package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"musicsync/config"
	"musicsync/logger"
	"musicsync/storage"
)

var storageFolder string

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "云存储连接测试",
	Long:  `测试云存储源站连接，并列举指定文件夹下的音频曲目。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试云存储连接...")

		cfg := config.Load()
		logger.InitLogger(logger.Config{Level: cfg.LogLevel})
		fmt.Printf("源站配置: %s, 存储桶: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		st, err := storage.NewCloudStorage(cfg)
		if err != nil {
			log.Fatalf("无法连接云存储: %v", err)
		}
		fmt.Println("云存储连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tracks, err := st.ListFolder(ctx, storageFolder)
		if err != nil {
			log.Fatalf("列举文件夹失败: %v", err)
		}

		fmt.Printf("文件夹 %q 下共 %d 首曲目:\n", storageFolder, len(tracks))
		for _, track := range tracks {
			fmt.Printf("  [%s] %s - %s\n", track.ID[:8], track.Artist, track.Title)
		}
	},
}

func init() {
	storageCmd.Flags().StringVarP(&storageFolder, "folder", "f", "", "要列举的文件夹前缀")
	rootCmd.AddCommand(storageCmd)
}
