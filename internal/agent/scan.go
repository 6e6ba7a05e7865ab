package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// DefaultMinPort excludes privileged ports from automatic forwarding.
const DefaultMinPort = 1024

// tcpListen is the LISTEN state in /proc/net/tcp.
const tcpListen = "0A"

var procNetFiles = []string{"/proc/net/tcp", "/proc/net/tcp6"}

// ParseProcNetTCP returns the local ports above minPort of sockets in
// LISTEN state in a /proc/net/tcp or /proc/net/tcp6 table. Lines that do
// not parse are skipped.
func ParseProcNetTCP(r io.Reader, minPort uint16) ([]uint16, error) {
	var ports []uint16
	sc := bufio.NewScanner(r)
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[3] != tcpListen {
			continue
		}
		_, portHex, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		port, err := strconv.ParseUint(portHex, 16, 16)
		if err != nil || uint16(port) <= minPort {
			continue
		}
		ports = append(ports, uint16(port))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading socket table: %w", err)
	}
	return ports, nil
}

// ScanListeningPorts lists the ports above minPort listening in this
// network namespace, sorted and without duplicates. It fails only when no
// socket table could be read, as on systems without procfs.
func ScanListeningPorts(minPort uint16) ([]uint16, error) {
	return scanFiles(minPort, procNetFiles...)
}

func scanFiles(minPort uint16, paths ...string) ([]uint16, error) {
	var (
		ports []uint16
		errs  []error
		read  int
	)
	for _, path := range paths {
		found, err := scanFile(path, minPort)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		read++
		ports = append(ports, found...)
	}
	if read == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slices.Sort(ports)
	return slices.Compact(ports), nil
}

func scanFile(path string, minPort uint16) ([]uint16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ports, err := ParseProcNetTCP(f, minPort)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ports, nil
}
