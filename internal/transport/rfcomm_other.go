//go:build !linux

package transport

import (
	"context"
	"fmt"

	"github.com/serebryakov7/obd-stats/common"
)

func (d *RFCOMMDriver) Enabled(context.Context) (bool, error) { return false, nil }

func (d *RFCOMMDriver) Enable(context.Context) error {
	return fmt.Errorf("%w: RFCOMM сокеты поддерживаются только в Linux", ErrDisabled)
}

func (d *RFCOMMDriver) Dial(context.Context, common.OBDDevice) (Link, error) {
	return nil, fmt.Errorf("%w: RFCOMM сокеты поддерживаются только в Linux", ErrDisabled)
}
