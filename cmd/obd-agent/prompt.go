package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"go.uber.org/zap"

	"github.com/serebryakov7/obd-stats/common"
	"github.com/serebryakov7/obd-stats/internal/config"
	"github.com/serebryakov7/obd-stats/internal/diagnostics"
)

var errNoDevices = errors.New("адаптеры не найдены")

func yesNo(label string) (bool, error) {
	prompt := promptui.Select{
		Label:    label + " [Да/Нет]",
		HideHelp: true,
		Items:    []string{"Да", "Нет"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false, fmt.Errorf("ошибка ввода: %w", err)
	}
	return result == "Да", nil
}

func chooseDevice(devices []common.OBDDevice) (common.OBDDevice, error) {
	if len(devices) == 0 {
		return common.OBDDevice{}, errNoDevices
	}
	if len(devices) == 1 {
		return devices[0], nil
	}
	items := make([]string, len(devices))
	for i, d := range devices {
		items[i] = fmt.Sprintf("%s (%s)", d.Name, d.Address)
	}
	prompt := promptui.Select{
		Label:    "Выберите адаптер",
		HideHelp: true,
		Items:    items,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return common.OBDDevice{}, fmt.Errorf("ошибка ввода: %w", err)
	}
	return devices[idx], nil
}

// connect подключается к адаптеру из конфигурации, а если он не задан или
// pick=true, предлагает выбрать из найденных.
func connect(ctx context.Context, service *diagnostics.Service, cfg config.LinkConfig, pick bool, logger *zap.Logger) (common.OBDDevice, error) {
	device, ok := configuredDevice(cfg)
	if !ok || pick {
		devices, err := service.ScanForDevices(ctx)
		if err != nil {
			return common.OBDDevice{}, err
		}
		if device, err = chooseDevice(devices); err != nil {
			return common.OBDDevice{}, err
		}
	}

	logger.Info("Подключение к адаптеру", zap.String("device", device.Name), zap.String("address", device.Address))
	if err := service.ConnectToDevice(ctx, device); err != nil {
		return common.OBDDevice{}, err
	}
	return device, nil
}
