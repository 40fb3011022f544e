// cmd/server/main.go
package main

import (
	"log"

	"github.com/Corphon/CharaCardTranslator/internal/app"
	"github.com/Corphon/CharaCardTranslator/internal/config"
)

func main() {
	log.Println("🚀 启动 CharaCardTranslator 服务器...")

	// 1. 加载基础配置（.env + 环境变量）
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

	// 2. 配置、日志、服务与路由
	if err := app.Initialize(baseConfig); err != nil {
		app.GetApp().Close()
		log.Fatalf("❌ 初始化失败: %v", err)
	}
	log.Println("✅ 所有服务初始化完成")

	// 3. 启动服务器，收到信号后优雅关闭
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)
	log.Printf("🔗 上传接口: http://localhost:%s/api/upload", baseConfig.Port)
	log.Printf("🔗 进度推送: ws://localhost:%s/ws/{taskId}", baseConfig.Port)

	if err := app.Run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}
