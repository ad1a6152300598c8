package rpigpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/benchrig/labboard/internal/hal"
)

const (
	pwmFrequency   = 100 * physic.Hertz
	servoFrequency = 50 * physic.Hertz
	servoPeriodUs  = 20000
)

// periphDriver drives pins through the periph.io host driver.
type periphDriver struct {
	mu   sync.Mutex
	pins map[int]gpio.PinIO
}

func openPeriph() (pinDriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	// Verify GPIO pins actually registered; on a non-Pi host Init
	// succeeds but the registry stays empty.
	if gpioreg.ByName("GPIO4") == nil {
		return nil, fmt.Errorf("periph: no GPIO pins registered on this host")
	}
	return &periphDriver{pins: make(map[int]gpio.PinIO)}, nil
}

func (d *periphDriver) Name() string { return "periph" }

func (d *periphDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pins {
		p.Halt()
	}
	d.pins = make(map[int]gpio.PinIO)
	return nil
}

func (d *periphDriver) pin(pin int) (gpio.PinIO, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	p := gpioreg.ByName(fmt.Sprintf("GPIO%d", pin))
	if p == nil {
		return nil, fmt.Errorf("periph: GPIO%d not present", pin)
	}
	d.pins[pin] = p
	return p, nil
}

func (d *periphDriver) SetInput(pin int, mode hal.PinMode) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	pull := gpio.Float
	switch mode {
	case hal.ModeInputPullUp:
		pull = gpio.PullUp
	case hal.ModeInputPullDown:
		pull = gpio.PullDown
	}
	return p.In(pull, gpio.NoEdge)
}

func (d *periphDriver) SetOutput(pin int) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.Out(gpio.Low)
}

func (d *periphDriver) Write(pin int, high bool) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	return p.Out(gpio.Level(high))
}

func (d *periphDriver) Read(pin int) (bool, error) {
	p, err := d.pin(pin)
	if err != nil {
		return false, err
	}
	return p.Read() == gpio.High, nil
}

func (d *periphDriver) WritePWM(pin int, duty int) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	scaled := gpio.Duty(int64(hal.ClampPWM(duty)) * int64(gpio.DutyMax) / 255)
	return p.PWM(scaled, pwmFrequency)
}

func (d *periphDriver) WriteServoPulse(pin int, pulseUs int) error {
	p, err := d.pin(pin)
	if err != nil {
		return err
	}
	if pulseUs == 0 {
		if err := p.Halt(); err != nil {
			return err
		}
		return p.Out(gpio.Low)
	}
	duty := gpio.Duty(int64(pulseUs) * int64(gpio.DutyMax) / servoPeriodUs)
	return p.PWM(duty, servoFrequency)
}
