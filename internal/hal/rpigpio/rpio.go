package rpigpio

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/benchrig/labboard/internal/hal"
)

// go-rpio PWM runs the clock at freq and divides by the cycle length,
// so a 255-step cycle at 25500 Hz yields the 100 Hz the capability
// table declares, and a 2000-step cycle at 100 kHz yields a 20 ms
// servo frame with 10 us resolution.
const (
	rpioPWMCycle   = 255
	rpioPWMClock   = 100 * rpioPWMCycle
	rpioServoCycle = 2000
	rpioServoClock = 50 * rpioServoCycle
)

// rpioDriver drives pins through /dev/gpiomem, for hosts where the
// periph driver is unavailable.
type rpioDriver struct{}

func openRPIO() (pinDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("rpio open: %w (are you running on a Raspberry Pi?)", err)
	}
	return &rpioDriver{}, nil
}

func (d *rpioDriver) Name() string { return "rpio" }

func (d *rpioDriver) Close() error { return rpio.Close() }

func (d *rpioDriver) SetInput(pin int, mode hal.PinMode) error {
	p := rpio.Pin(pin)
	p.Input()
	switch mode {
	case hal.ModeInputPullUp:
		p.PullUp()
	case hal.ModeInputPullDown:
		p.PullDown()
	default:
		p.PullOff()
	}
	return nil
}

func (d *rpioDriver) SetOutput(pin int) error {
	p := rpio.Pin(pin)
	p.Output()
	p.Low()
	return nil
}

func (d *rpioDriver) Write(pin int, high bool) error {
	p := rpio.Pin(pin)
	if high {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (d *rpioDriver) Read(pin int) (bool, error) {
	return rpio.Pin(pin).Read() == rpio.High, nil
}

func (d *rpioDriver) WritePWM(pin int, duty int) error {
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	p.Freq(rpioPWMClock)
	p.DutyCycle(uint32(hal.ClampPWM(duty)), rpioPWMCycle)
	return nil
}

func (d *rpioDriver) WriteServoPulse(pin int, pulseUs int) error {
	p := rpio.Pin(pin)
	if pulseUs == 0 {
		p.DutyCycle(0, rpioServoCycle)
		p.Output()
		p.Low()
		return nil
	}
	p.Mode(rpio.Pwm)
	p.Freq(rpioServoClock)
	p.DutyCycle(uint32(pulseUs/10), rpioServoCycle)
	return nil
}
