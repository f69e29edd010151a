package systemd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitStatus is the subset of unit state the CLI reports.
type UnitStatus struct {
	Name        string    `json:"name"`
	Active      string    `json:"active"`    // active, inactive, failed, unknown
	SubState    string    `json:"sub_state"` // running, dead, not-found
	LoadState   string    `json:"load_state"`
	Description string    `json:"description,omitempty"`
	StateChange time.Time `json:"state_change,omitempty"`
}

func (u UnitStatus) IsActive() bool { return u.Active == "active" }

// QueryUnit reads a unit's state over the system bus, falling back to
// systemctl when the bus is unreachable. A bare name gets ".service".
func QueryUnit(ctx context.Context, unit string) (UnitStatus, error) {
	name := unitName(unit)
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return querySystemctl(ctx, name)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(name), nil
		}
		return UnitStatus{}, fmt.Errorf("unit %s: %w", name, err)
	}
	return statusFromProps(name, props), nil
}

func statusFromProps(name string, props map[string]interface{}) UnitStatus {
	load, _ := getStringProperty(props, "LoadState")
	if load == "not-found" {
		return notFound(name)
	}
	active, _ := getStringProperty(props, "ActiveState")
	sub, _ := getStringProperty(props, "SubState")
	desc, _ := getStringProperty(props, "Description")
	return UnitStatus{
		Name:        name,
		Active:      active,
		SubState:    sub,
		LoadState:   load,
		Description: desc,
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}
}

// querySystemctl exits non-zero for inactive units, so only the printed
// state is trusted.
func querySystemctl(ctx context.Context, name string) (UnitStatus, error) {
	out, err := exec.CommandContext(ctx, "systemctl", "is-active", name).CombinedOutput()
	state := strings.TrimSpace(string(out))
	if err != nil && state == "" {
		return UnitStatus{}, fmt.Errorf("systemctl is-active %s: %w", name, err)
	}
	return UnitStatus{Name: name, Active: state, LoadState: "loaded"}, nil
}

func notFound(name string) UnitStatus {
	return UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func unitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

func parseTimestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		// microseconds since the Unix epoch
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func getStringProperty(props map[string]interface{}, key string) (string, bool) {
	v, ok := props[key].(string)
	return v, ok
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
