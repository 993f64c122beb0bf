package dtmf

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

const (
	// ClockRate частота RTP часов событий
	ClockRate = 8000
	// PayloadSize размер payload события RFC 4733
	PayloadSize = 4
	// endRetransmits количество повторов конечного пакета
	endRetransmits = 3
)

// Payload payload события согласно RFC 4733
type Payload struct {
	Event    uint8  // Код события
	End      bool   // Флаг окончания события
	Volume   uint8  // Громкость (0-63, представляет -dBm)
	Duration uint16 // Длительность в единицах RTP timestamp
}

// Marshal сериализует payload
func (p Payload) Marshal() []byte {
	data := make([]byte, PayloadSize)
	data[0] = p.Event
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// UnmarshalPayload разбирает payload события
func UnmarshalPayload(data []byte) (Payload, error) {
	if len(data) < PayloadSize {
		return Payload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	return Payload{
		Event:    data[0],
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// Encoder формирует RTP пакеты событий RFC 4733
type Encoder struct {
	payloadType uint8
	ssrc        uint32
	seq         uint16
	ptime       time.Duration
}

// NewEncoder создает кодировщик для payload type telephone-event
func NewEncoder(payloadType uint8, ssrc uint32) *Encoder {
	return &Encoder{
		payloadType: payloadType,
		ssrc:        ssrc,
		ptime:       50 * time.Millisecond,
	}
}

// Packets формирует последовательность пакетов одного события: начальный
// пакет с маркером, промежуточные с растущей длительностью каждые 50ms
// и три конечных пакета с флагом End.
func (e *Encoder) Packets(ev Event, timestamp uint32) ([]*rtp.Packet, error) {
	code, ok := EventCode(ev.Digit)
	if !ok {
		return nil, fmt.Errorf("недопустимый DTMF символ: %c", ev.Digit)
	}
	if ev.Duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}

	volume := uint8(10)
	if ev.Volume < 0 {
		volume = uint8(min(63, -int(ev.Volume)))
	}

	total := uint16(min(ev.Duration.Seconds()*ClockRate, 0xFFFF))
	step := uint16(e.ptime.Seconds() * ClockRate)

	var packets []*rtp.Packet
	for d := step; d < total; d += step {
		packets = append(packets, e.packet(timestamp, len(packets) == 0, Payload{
			Event: code, Volume: volume, Duration: d,
		}))
	}
	for i := 0; i < endRetransmits; i++ {
		packets = append(packets, e.packet(timestamp, len(packets) == 0, Payload{
			Event: code, End: true, Volume: volume, Duration: total,
		}))
	}
	return packets, nil
}

func (e *Encoder) packet(timestamp uint32, marker bool, p Payload) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    e.payloadType,
			SequenceNumber: e.seq,
			Timestamp:      timestamp,
			SSRC:           e.ssrc,
		},
		Payload: p.Marshal(),
	}
	e.seq++
	return pkt
}

// Decoder выделяет DTMF события из входящих RTP пакетов.
// Событие сообщается один раз, по первому пакету с новым timestamp.
type Decoder struct {
	payloadType uint8
	seen        bool
	lastTS      uint32
}

// NewDecoder создает декодер для payload type telephone-event
func NewDecoder(payloadType uint8) *Decoder {
	return &Decoder{payloadType: payloadType}
}

// Decode обрабатывает пакет. handled показывает, что пакет является событием
// telephone-event; ok показывает, что начато новое событие.
func (d *Decoder) Decode(pkt *rtp.Packet) (ev Event, ok bool, handled bool, err error) {
	if pkt == nil || pkt.PayloadType != d.payloadType {
		return Event{}, false, false, nil
	}

	p, err := UnmarshalPayload(pkt.Payload)
	if err != nil {
		return Event{}, false, true, err
	}

	digit, known := DigitFromCode(p.Event)
	if !known {
		return Event{}, false, true, nil
	}

	if d.seen && d.lastTS == pkt.Timestamp {
		return Event{}, false, true, nil
	}

	d.lastTS = pkt.Timestamp
	d.seen = true
	return Event{
		Digit:    digit,
		Duration: time.Duration(p.Duration) * time.Second / ClockRate,
		Volume:   -int8(p.Volume),
		Source:   SourceRTP,
	}, true, true, nil
}
