package syncer

import (
	// logger.New 需要先注册 root logger
	_ "github.com/chain5j/logger/zap"
)
