package hal

import "fmt"

// ValueRange is the inclusive numeric range a pin accepts for writes.
type ValueRange struct {
	Min int
	Max int
}

// PinCapability is the static description of what a single physical
// pin can do. Instances are created once at backend construction from
// a fixed hardware table and never mutated.
type PinCapability struct {
	Pin   int
	Types map[PinType]bool
	Range *ValueRange
	Label string
}

// Capabilities aggregates the pin table and board-wide facts for one
// board type. Pure data; no failure modes.
type Capabilities struct {
	Name             string
	Pins             map[int]PinCapability
	SupportsAnalog   bool
	AnalogResolution int
	PWMResolution    int
	PWMFrequency     int
	I2CBuses         []int
	SPIBuses         []int
}

// PinExists reports whether the board declares the given pin.
func (c *Capabilities) PinExists(pin int) bool {
	_, ok := c.Pins[pin]
	return ok
}

// Supports reports whether the given pin supports the given type.
func (c *Capabilities) Supports(pin int, t PinType) bool {
	p, ok := c.Pins[pin]
	if !ok {
		return false
	}
	return p.Types[t]
}

// RangeOf returns the declared value range for a pin, if any.
func (c *Capabilities) RangeOf(pin int) (ValueRange, bool) {
	p, ok := c.Pins[pin]
	if !ok || p.Range == nil {
		return ValueRange{}, false
	}
	return *p.Range, true
}

func digitalPin(pin int, label string) PinCapability {
	return PinCapability{
		Pin:   pin,
		Types: map[PinType]bool{TypeDigital: true},
		Label: label,
	}
}

func pinWith(pin int, label string, max int, types ...PinType) PinCapability {
	set := map[PinType]bool{TypeDigital: true}
	for _, t := range types {
		set[t] = true
	}
	p := PinCapability{Pin: pin, Types: set, Label: label}
	if max > 0 {
		p.Range = &ValueRange{Min: 0, Max: max}
	}
	return p
}

// RaspberryPiCapabilities describes the 40-pin header GPIO (BCM
// numbering). Pins 0-1 are reserved for the HAT EEPROM and left out.
// Hardware PWM is available on 12/13/18/19; there is no built-in ADC.
func RaspberryPiCapabilities() *Capabilities {
	pins := map[int]PinCapability{
		2:  pinWith(2, "GPIO2 (SDA)", 0, TypeI2C),
		3:  pinWith(3, "GPIO3 (SCL)", 0, TypeI2C),
		4:  digitalPin(4, "GPIO4"),
		5:  digitalPin(5, "GPIO5"),
		6:  digitalPin(6, "GPIO6"),
		7:  pinWith(7, "GPIO7 (CE1)", 0, TypeSPI),
		8:  pinWith(8, "GPIO8 (CE0)", 0, TypeSPI),
		9:  pinWith(9, "GPIO9 (MISO)", 0, TypeSPI),
		10: pinWith(10, "GPIO10 (MOSI)", 0, TypeSPI),
		11: pinWith(11, "GPIO11 (SCLK)", 0, TypeSPI),
		12: pinWith(12, "GPIO12 (PWM0)", 255, TypePWM, TypeServo),
		13: pinWith(13, "GPIO13 (PWM1)", 255, TypePWM, TypeServo),
		14: digitalPin(14, "GPIO14 (TXD)"),
		15: digitalPin(15, "GPIO15 (RXD)"),
		16: digitalPin(16, "GPIO16"),
		17: digitalPin(17, "GPIO17"),
		18: pinWith(18, "GPIO18 (PWM0)", 255, TypePWM, TypeServo),
		19: pinWith(19, "GPIO19 (PWM1)", 255, TypePWM, TypeServo),
		20: digitalPin(20, "GPIO20"),
		21: digitalPin(21, "GPIO21"),
		22: digitalPin(22, "GPIO22"),
		23: digitalPin(23, "GPIO23"),
		24: digitalPin(24, "GPIO24"),
		25: digitalPin(25, "GPIO25"),
		26: digitalPin(26, "GPIO26"),
		27: digitalPin(27, "GPIO27"),
	}
	return &Capabilities{
		Name:           "Raspberry Pi GPIO",
		Pins:           pins,
		SupportsAnalog: false,
		PWMResolution:  8,
		PWMFrequency:   100,
		I2CBuses:       []int{1},
		SPIBuses:       []int{0, 1},
	}
}

// ArduinoUnoCapabilities describes a Firmata-flashed Uno-class board:
// digital 2-13, PWM on 3/5/6/9/10/11, analog inputs A0-A5 addressed as
// pins 14-19, servo on any digital pin.
func ArduinoUnoCapabilities() *Capabilities {
	pwm := map[int]bool{3: true, 5: true, 6: true, 9: true, 10: true, 11: true}
	pins := make(map[int]PinCapability)
	for pin := 2; pin <= 13; pin++ {
		types := []PinType{TypeServo}
		if pwm[pin] {
			types = append(types, TypePWM)
		}
		max := 0
		if pwm[pin] {
			max = 255
		}
		pins[pin] = pinWith(pin, fmt.Sprintf("D%d", pin), max, types...)
	}
	for ch := 0; ch < 6; ch++ {
		pin := 14 + ch
		p := pinWith(pin, fmt.Sprintf("A%d", ch), 1023, TypeAnalog)
		pins[pin] = p
	}
	return &Capabilities{
		Name:             "Arduino Uno (Firmata)",
		Pins:             pins,
		SupportsAnalog:   true,
		AnalogResolution: 10,
		PWMResolution:    8,
		PWMFrequency:     490,
		I2CBuses:         []int{0},
		SPIBuses:         []int{0},
	}
}

// MockCapabilities declares every capability on pins 0-31 so tests can
// exercise any code path.
func MockCapabilities() *Capabilities {
	pins := make(map[int]PinCapability)
	for pin := 0; pin < 32; pin++ {
		pins[pin] = PinCapability{
			Pin: pin,
			Types: map[PinType]bool{
				TypeDigital: true, TypeAnalog: true, TypePWM: true,
				TypeServo: true, TypeI2C: true, TypeSPI: true,
			},
			Range: &ValueRange{Min: 0, Max: 255},
			Label: fmt.Sprintf("MOCK%d", pin),
		}
	}
	return &Capabilities{
		Name:             "Mock Board",
		Pins:             pins,
		SupportsAnalog:   true,
		AnalogResolution: 10,
		PWMResolution:    8,
		PWMFrequency:     100,
		I2CBuses:         []int{0},
		SPIBuses:         []int{0},
	}
}
