package fence

import (
	"log/slog"

	"github.com/gogpu/shadernn/internal/logging"
)

func slogger() *slog.Logger { return logging.Logger() }
