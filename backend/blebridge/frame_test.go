package blebridge_test

import (
  "encoding/binary"
  "errors"
  "reflect"
  "testing"

  "github.com/robertof/go-cgm-connector/backend/blebridge"
  "github.com/robertof/go-cgm-connector/glucose"
)

func frame(t byte, payload ...byte) []byte {
  data := append([]byte{t}, payload...)
  return binary.LittleEndian.AppendUint16(data, blebridge.Checksum(data))
}

func TestChecksum(t *testing.T) {
  // CRC-16/MODBUS check value.
  if got := blebridge.Checksum([]byte("123456789")); got != 0x4b37 {
    t.Fatalf("Checksum(%q): got 0x%04x, wanted 0x4b37", "123456789", got)
  }
}

func TestDecodeFrame(t *testing.T) {
  tests := []struct {
    name string
    data []byte
    want blebridge.Frame
  }{
    {
      name: "reading",
      data: frame(blebridge.FrameTypeReading, 0x6e, 0x00, 0xa0, 0x05, 0x03),
      want: blebridge.ReadingFrame{Value: 110, Age: 1440, State: glucose.SensorStateReady},
    },
    {
      name: "reading with unknown state",
      data: frame(blebridge.FrameTypeReading, 0x6e, 0x00, 0x0a, 0x00, 0x7f),
      want: blebridge.ReadingFrame{Value: 110, Age: 10, State: glucose.SensorStateUnknown},
    },
    {
      name: "batch",
      data: frame(blebridge.FrameTypeBatch,
        0x02, 0x01,
        0x78, 0x00, 0x00, 0x00, // trend: 120 now
        0x76, 0x00, 0x01, 0x00, // trend: 118 one minute ago
        0x64, 0x00, 0x0f, 0x00, // history: 100 fifteen minutes ago
      ),
      want: blebridge.BatchFrame{
        Trend: []blebridge.Sample{{Value: 118, MinutesAgo: 1}, {Value: 120, MinutesAgo: 0}},
        History: []blebridge.Sample{{Value: 100, MinutesAgo: 15}},
      },
    },
    {
      name: "info",
      data: frame(blebridge.FrameTypeInfo,
        '3', 'M', 'H', '0', '0', '5', 'U', 'T', 0x00, 0x00,
        0xc0, 0x4e, 0x55, 0x02,
      ),
      want: blebridge.InfoFrame{Serial: "3MH005UT", Lifetime: 20160, Battery: 85, Firmware: 2},
    },
    {
      name: "error",
      data: frame(blebridge.FrameTypeError, 0x0c, 0x00),
      want: blebridge.ErrorFrame{Code: 12},
    },
  }

  for _, test := range tests {
    got, err := blebridge.DecodeFrame(test.data)

    if err != nil {
      t.Fatalf("DecodeFrame(%s, %x) got error: %v", test.name, test.data, err)
    }

    if !reflect.DeepEqual(got, test.want) {
      t.Fatalf("DecodeFrame(%s, %x): got %+#v, wanted %+#v", test.name, test.data, got, test.want)
    }
  }
}

func TestDecodeFrameRejectsBadData(t *testing.T) {
  corrupted := frame(blebridge.FrameTypeError, 0x0c, 0x00)
  corrupted[1] = 0x0d

  tests := []struct {
    name string
    data []byte
    err error
  }{
    {"empty", nil, glucose.ErrInvalidData},
    {"checksum only", []byte{0x01, 0x02}, glucose.ErrInvalidData},
    {"bad checksum", corrupted, glucose.ErrCorruptedData},
    {"unknown type", frame(0x7f), glucose.ErrInvalidData},
    {"short reading", frame(blebridge.FrameTypeReading, 0x6e, 0x00), glucose.ErrInvalidData},
    {"batch without header", frame(blebridge.FrameTypeBatch, 0x01), glucose.ErrInvalidData},
    {"batch count mismatch", frame(blebridge.FrameTypeBatch, 0x02, 0x00, 0x78, 0x00, 0x00, 0x00), glucose.ErrInvalidData},
    {"short info", frame(blebridge.FrameTypeInfo, '3', 'M'), glucose.ErrInvalidData},
  }

  for _, test := range tests {
    if _, err := blebridge.DecodeFrame(test.data); !errors.Is(err, test.err) {
      t.Fatalf("DecodeFrame(%s, %x): got %v, wanted %v", test.name, test.data, err, test.err)
    }
  }
}
