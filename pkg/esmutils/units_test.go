package esmutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPower(t *testing.T) {
	assert.Equal(t, uint32(332), KwToW(0.332))
	assert.Equal(t, uint32(0), KwToW(-1.5))
	assert.InDelta(t, 0.332, WToKw(332), 1e-9)
}

func TestEnergy(t *testing.T) {
	assert.Equal(t, uint32(1581123), KwhToWh(1581.123))
	assert.InDelta(t, 1581.123, WhToKwh(1581123), 1e-9)
}

func TestGas(t *testing.T) {
	assert.Equal(t, uint32(2287117), M3ToDM3(2287.117))
	assert.Equal(t, uint32(0), M3ToDM3(-0.1))
	assert.InDelta(t, 2287.117, DM3ToM3(2287117), 1e-9)
}
