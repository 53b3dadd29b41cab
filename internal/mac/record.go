package mac

import (
	"strconv"
	"time"
)

// Field is one named value of a record, in report order.
type Field struct {
	Name  string
	Value any
}

// Record is a decoded per-slot report.
type Record interface {
	Variant() Variant
	Timestamp() time.Time
	Fields() []Field
}

// FSARecord reports one frame slotted ALOHA slot.
type FSARecord struct {
	Time        time.Time `json:"current_time"`
	Slot        uint8     `json:"data_slot"`
	DataState   DataState `json:"data_state"`
	DataAddress uint16    `json:"data_address"`
	DataRSSI    int       `json:"data_rssi"`

	// TxTotal is the mote's transmission counter, present only in the
	// six-byte firmware record.
	TxTotal    uint8 `json:"tx_total,omitempty"`
	HasTxTotal bool  `json:"-"`
}

func (r *FSARecord) Variant() Variant { return VariantFSA }

func (r *FSARecord) Timestamp() time.Time { return r.Time }

// AddressKey returns the data address as used for per-node counters.
func (r *FSARecord) AddressKey() string {
	return strconv.Itoa(int(r.DataAddress))
}

func (r *FSARecord) Fields() []Field {
	fields := []Field{
		{"current_time", r.Time},
		{"data_slot", r.Slot},
		{"data_state", r.DataState.String()},
		{"data_address", r.AddressKey()},
		{"data_rssi", r.DataRSSI},
	}
	if r.HasTxTotal {
		fields = append(fields, Field{"tx_total", r.TxTotal})
	}
	return fields
}

// ARPSlot is one of the three access request slots of a DQ frame.
type ARPSlot struct {
	State  ARPState `json:"state"`
	Random uint16   `json:"random"`
	RSSI   int      `json:"rssi"`
}

// Key returns the random token as used for per-token counters.
func (s ARPSlot) Key() string {
	return strconv.Itoa(int(s.Random))
}

// DQRecord reports one distributed queuing frame.
type DQRecord struct {
	Time        time.Time  `json:"current_time"`
	ARP         [3]ARPSlot `json:"arp"`
	DataState   DataState  `json:"data_state"`
	DataAddress uint16     `json:"data_address"`
	DataARP     uint8      `json:"data_arp"`
	CRQ         uint16     `json:"crq_global"`
	DTQ         uint16     `json:"dtq_global"`
}

func (r *DQRecord) Variant() Variant { return VariantDQ }

func (r *DQRecord) Timestamp() time.Time { return r.Time }

// AddressKey returns the data address as used for per-node counters.
func (r *DQRecord) AddressKey() string {
	return strconv.Itoa(int(r.DataAddress))
}

func (r *DQRecord) Fields() []Field {
	fields := []Field{{"current_time", r.Time}}
	for i, s := range r.ARP {
		n := strconv.Itoa(i + 1)
		fields = append(fields,
			Field{"arp" + n + "_state", s.State.String()},
			Field{"arp" + n + "_random", s.Random},
			Field{"arp" + n + "_rssi", s.RSSI},
		)
	}
	return append(fields,
		Field{"data_state", r.DataState.String()},
		Field{"data_address", r.AddressKey()},
		Field{"data_arp", r.DataARP},
		Field{"crq_global", r.CRQ},
		Field{"dtq_global", r.DTQ},
	)
}
