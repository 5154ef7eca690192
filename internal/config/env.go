package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvTelegramToken  = "PRODMON_TELEGRAM_TOKEN"
	EnvTelegramChatID = "PRODMON_TELEGRAM_CHAT_ID"
	EnvLogLevel       = "PRODMON_LOG_LEVEL"
)

// ApplyEnv overrides secrets and the log level from the environment.
// lookup defaults to os.LookupEnv.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvTelegramToken); ok {
		c.Telegram.Token = v
	}
	if v, ok := get(EnvTelegramChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvTelegramChatID, v)
		}
		c.Telegram.ChatID = id
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	return nil
}
