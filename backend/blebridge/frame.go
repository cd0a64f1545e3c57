package blebridge

import (
  "encoding/binary"
  "strings"

  "github.com/pkg/errors"

  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/utils"
)

const (
  FrameTypeReading = 0x01
  FrameTypeBatch = 0x02
  FrameTypeInfo = 0x03
  FrameTypeError = 0x04

  serialLength = 10
  sampleLength = 4
  checksumLength = 2
)

// Frame is a decoded transmitter notification.
type Frame interface {
  frameType() byte
}

type ReadingFrame struct {
  Value uint16
  // Minutes since sensor activation.
  Age uint16
  State glucose.SensorState
}

type Sample struct {
  Value uint16
  MinutesAgo uint16
}

// BatchFrame holds backfilled samples, oldest first.
type BatchFrame struct {
  Trend []Sample
  History []Sample
}

type InfoFrame struct {
  Serial string
  // Sensor lifetime in minutes.
  Lifetime uint16
  Battery uint8
  Firmware uint8
}

type ErrorFrame struct {
  Code uint16
}

func (ReadingFrame) frameType() byte { return FrameTypeReading }
func (BatchFrame) frameType() byte   { return FrameTypeBatch }
func (InfoFrame) frameType() byte    { return FrameTypeInfo }
func (ErrorFrame) frameType() byte   { return FrameTypeError }

// Checksum computes the CRC-16/MODBUS of b.
func Checksum(b []byte) (ret uint16) {
  ret = 0xffff

  for _, byte := range b {
    ret ^= uint16(byte)

    for i := 0; i < 8; i += 1 {
      bit := ret & 0x1
      ret >>= 1

      if bit != 0 {
        ret ^= 0xa001
      }
    }
  }

  return ret
}

func sensorState(b byte) glucose.SensorState {
  if b > byte(glucose.SensorStateFailure) {
    return glucose.SensorStateUnknown
  }

  return glucose.SensorState(b)
}

// DecodeFrame parses a notification. Frames are little endian and end with a checksum over all
// preceding bytes.
func DecodeFrame(data []byte) (Frame, error) {
  if len(data) < 1 + checksumLength {
    return nil, errors.Wrapf(glucose.ErrInvalidData, "frame too short (%d bytes)", len(data))
  }

  body := data[:len(data) - checksumLength]
  crc := binary.LittleEndian.Uint16(data[len(body):])

  if sum := Checksum(body); sum != crc {
    return nil, errors.Wrapf(glucose.ErrCorruptedData, "unexpected CRC (wanted %d, got %v)", crc, sum)
  }

  payload := body[1:]

  switch body[0] {
  case FrameTypeReading:
    if len(payload) != 5 {
      return nil, errors.Wrapf(glucose.ErrInvalidData,
        "reading frame has unexpected length %d (wanted 5)", len(payload))
    }

    return ReadingFrame{
      Value: binary.LittleEndian.Uint16(payload),
      Age: binary.LittleEndian.Uint16(payload[2:]),
      State: sensorState(payload[4]),
    }, nil
  case FrameTypeBatch:
    return decodeBatch(payload)
  case FrameTypeInfo:
    if len(payload) != serialLength + 4 {
      return nil, errors.Wrapf(glucose.ErrInvalidData,
        "info frame has unexpected length %d (wanted %d)", len(payload), serialLength + 4)
    }

    return InfoFrame{
      Serial: strings.TrimRight(string(payload[:serialLength]), "\x00 "),
      Lifetime: binary.LittleEndian.Uint16(payload[serialLength:]),
      Battery: payload[serialLength + 2],
      Firmware: payload[serialLength + 3],
    }, nil
  case FrameTypeError:
    if len(payload) != 2 {
      return nil, errors.Wrapf(glucose.ErrInvalidData,
        "error frame has unexpected length %d (wanted 2)", len(payload))
    }

    return ErrorFrame{Code: binary.LittleEndian.Uint16(payload)}, nil
  default:
    return nil, errors.Wrapf(glucose.ErrInvalidData, "unknown frame type 0x%02x", body[0])
  }
}

func decodeBatch(payload []byte) (Frame, error) {
  if len(payload) < 2 {
    return nil, errors.Wrapf(glucose.ErrInvalidData, "batch frame has no header")
  }

  trendCount, historyCount := int(payload[0]), int(payload[1])
  samples := payload[2:]

  if len(samples) != (trendCount + historyCount) * sampleLength {
    return nil, errors.Wrapf(glucose.ErrInvalidData,
      "batch frame announces %d+%d samples but carries %d bytes", trendCount, historyCount, len(samples))
  }

  all := make([]Sample, 0, trendCount + historyCount)

  for i := 0; i < len(samples); i += sampleLength {
    all = append(all, Sample{
      Value: binary.LittleEndian.Uint16(samples[i:]),
      MinutesAgo: binary.LittleEndian.Uint16(samples[i + 2:]),
    })
  }

  // on the wire samples are newest first.
  return BatchFrame{
    Trend: utils.Reverse(all[:trendCount]),
    History: utils.Reverse(all[trendCount:]),
  }, nil
}
