package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/serial-bootloader/internal/programmer"
	"github.com/bigbag/serial-bootloader/internal/protocol"
	"github.com/bigbag/serial-bootloader/internal/serial"
)

// probeAttempts keeps a scan of many ports short.
const probeAttempts = 5

// AutoPort is the port name that asks for a scan instead of a fixed port.
const AutoPort = "auto"

var listPorts = serial.ListPorts

// Result represents a port with a responding bootloader.
type Result struct {
	Port    string
	Version protocol.Version
}

// DetectDevice returns the first port with a responding bootloader.
func DetectDevice(ctx context.Context, baudRate int, log logrus.FieldLogger) (*Result, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := DetectOnPort(ctx, portName, baudRate, log)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no bootloader found")
}

// ListDevices scans all ports and returns every responding bootloader.
func ListDevices(ctx context.Context, baudRate int, log logrus.FieldLogger) ([]Result, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := DetectOnPort(ctx, portName, baudRate, log)
		if err != nil {
			log.WithField("port", portName).WithError(err).Debug("No bootloader")
			continue
		}
		results = append(results, *result)
	}

	return results, nil
}

// DetectOnPort opens portName and probes it.
func DetectOnPort(ctx context.Context, portName string, baudRate int, log logrus.FieldLogger) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	v, err := Probe(ctx, port, log)
	if err != nil {
		return nil, err
	}
	return &Result{Port: portName, Version: v}, nil
}

// Probe runs the connect handshake on port and asks for the version.
func Probe(ctx context.Context, port programmer.Port, log logrus.FieldLogger) (protocol.Version, error) {
	p := programmer.New(port,
		programmer.WithConnectRetry(probeAttempts, 100*time.Millisecond),
		programmer.WithReplyTimeout(500*time.Millisecond),
		programmer.WithLogger(log),
	)

	if err := p.Connect(ctx); err != nil {
		return protocol.Version{}, fmt.Errorf("failed to connect: %w", err)
	}

	v, err := p.GetVersion(ctx)
	if err != nil {
		return protocol.Version{}, fmt.Errorf("failed to read version: %w", err)
	}
	return v, nil
}
