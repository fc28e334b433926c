package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/wolfman30/kargo-relay/pkg/logging"
)

// slogBridge routes whatsmeow's printf-style logging into the process logger.
type slogBridge struct {
	logger *logging.Logger
}

func newLogBridge(logger *logging.Logger, module string) waLog.Logger {
	return &slogBridge{logger: logger.With("component", "whatsmeow", "module", module)}
}

func (b *slogBridge) Debugf(msg string, args ...any) { b.logger.Debug(fmt.Sprintf(msg, args...)) }
func (b *slogBridge) Infof(msg string, args ...any)  { b.logger.Info(fmt.Sprintf(msg, args...)) }
func (b *slogBridge) Warnf(msg string, args ...any)  { b.logger.Warn(fmt.Sprintf(msg, args...)) }
func (b *slogBridge) Errorf(msg string, args ...any) { b.logger.Error(fmt.Sprintf(msg, args...)) }

func (b *slogBridge) Sub(module string) waLog.Logger {
	return &slogBridge{logger: b.logger.With("module", module)}
}
