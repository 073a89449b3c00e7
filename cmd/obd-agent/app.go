package main

import (
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/config"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
	"github.com/serebryakov7/obd-stats/internal/transport"
	"github.com/serebryakov7/obd-stats/pkg/storage"
)

// newDriver выбирает драйвер канала по link.type.
func newDriver(cfg config.LinkConfig) (transport.Driver, error) {
	linkType, err := transport.ParseLinkType(cfg.Type)
	if err != nil {
		return nil, err
	}
	switch linkType {
	case transport.LinkRFCOMM:
		var devices []common.OBDDevice
		if cfg.Address != "" {
			devices = append(devices, common.OBDDevice{ID: cfg.Address, Name: cfg.Address, Address: cfg.Address})
		}
		return transport.NewRFCOMMDriver(transport.RFCOMMConfig{
			Channel:     cfg.Channel,
			ReadTimeout: cfg.ReadTimeout,
			Devices:     devices,
		}), nil
	case transport.LinkBLE:
		return transport.NewBLEDriver(transport.BLEConfig{
			ServiceUUID: cfg.ServiceUUID,
			RXUUID:      cfg.RXUUID,
			TXUUID:      cfg.TXUUID,
			ScanTimeout: cfg.ScanTimeout,
			ReadTimeout: cfg.ReadTimeout,
		}), nil
	default:
		var ports []string
		if cfg.Port != "" {
			ports = append(ports, cfg.Port)
		}
		return transport.NewSerialDriver(transport.SerialConfig{
			Baud:        cfg.Baud,
			ReadTimeout: cfg.ReadTimeout,
			Ports:       ports,
		}), nil
	}
}

func adapterOptions(cfg config.AdapterConfig) transport.Options {
	return transport.Options{
		CommandTimeout:  cfg.CommandTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		RetryDelay:      cfg.RetryDelay,
		InitDelay:       cfg.InitDelay,
	}
}

func vehicleFromConfig(cfg config.VehicleConfig) diagnostics.Vehicle {
	return diagnostics.Vehicle{
		VIN:   cfg.VIN,
		Make:  cfg.Make,
		Model: cfg.Model,
		Year:  cfg.Year,
	}
}

// newService собирает адаптер и сервис диагностики и включает канал.
func newService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*diagnostics.Service, *transport.Adapter, error) {
	driver, err := newDriver(cfg.Link)
	if err != nil {
		return nil, nil, err
	}
	adapter := transport.NewAdapter(driver, adapterOptions(cfg.Adapter), logger.Named("transport"))
	service := diagnostics.NewService(adapter, vehicleFromConfig(cfg.Vehicle), logger.Named("diagnostics"))
	if err := service.Initialize(ctx); err != nil {
		return nil, nil, err
	}
	return service, adapter, nil
}

// configuredDevice возвращает устройство из конфигурации, если оно задано.
func configuredDevice(cfg config.LinkConfig) (common.OBDDevice, bool) {
	addr := cfg.Address
	if cfg.Type == string(transport.LinkSerial) || cfg.Type == "" {
		addr = cfg.Port
	}
	if addr == "" {
		return common.OBDDevice{}, false
	}
	return common.OBDDevice{ID: addr, Name: filepath.Base(addr), Address: addr}, true
}

func openStore(cfg config.StorageConfig, logger *zap.Logger) (*bolt.DB, error) {
	db, err := storage.OpenDB(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия БД %s: %w", cfg.Path, err)
	}
	logger.Debug("База данных открыта", zap.String("path", cfg.Path))
	return db, nil
}
