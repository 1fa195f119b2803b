package exporter

import (
	"context"

	"github.com/envoymon/envoymon/pkg/envoy"
	"github.com/stretchr/testify/mock"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) ProductionWatts(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Error(1)
	}
	return 0, nil
}

func (m *mockGateway) InverterProductionWatts(ctx context.Context) ([]envoy.InverterProduction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]envoy.InverterProduction), args.Error(1)
}

func (m *mockGateway) LifetimeWattHours(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Error(1)
	}
	return 0, nil
}
