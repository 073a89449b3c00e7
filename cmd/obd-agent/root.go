package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/serebryakov7/obd-stats/internal/config"
)

const (
	flagConfig  = "config"
	flagLink    = "link"
	flagPort    = "port"
	flagBaud    = "baud"
	flagAddress = "address"
	flagDebug   = "debug"
)

// shutdownGrace - сколько ждать штатного завершения после сигнала.
const shutdownGrace = 45 * time.Second

var (
	v          = config.New()
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:          "obd-agent",
	Short:        "Диагностика автомобиля через адаптер ELM327",
	Long:         `Поиск адаптеров, чтение кодов неисправностей и живых данных OBD-II, публикация в MQTT.`,
	Version:      versioninfo.Short(),
	SilenceUsage: true,
}

// Execute запускает CLI. Первый SIGINT/SIGTERM отменяет контекст команды,
// повторный или зависание дольше shutdownGrace завершают процесс.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
		<-time.After(shutdownGrace)
		fmt.Fprintln(os.Stderr, "завершение заняло слишком много времени, принудительный выход")
		os.Exit(1)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, flagConfig, "c", "", "файл конфигурации (YAML), по умолчанию CONFIG_FILE")
	pf.StringP(flagLink, "l", "", "тип канала: serial, rfcomm или ble")
	pf.StringP(flagPort, "p", "", "последовательный порт адаптера")
	pf.IntP(flagBaud, "b", 0, "скорость последовательного порта")
	pf.StringP(flagAddress, "a", "", "адрес Bluetooth адаптера")
	pf.BoolVarP(&debug, flagDebug, "d", false, "отладочный режим")

	bindFlags(v, pf)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for key, flag := range map[string]string{
		"link.type":    flagLink,
		"link.port":    flagPort,
		"link.baud":    flagBaud,
		"link.address": flagAddress,
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// loadConfig читает конфигурацию с учётом флагов командной строки.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.LogLevel = zapcore.DebugLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zapCfg.Build()
}

// setup загружает конфигурацию и создаёт логгер для подкоманды.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка создания логгера: %w", err)
	}
	logger.Debug("Конфигурация загружена", zap.Any("config", cfg.Redacted()))
	return cfg, logger, nil
}
