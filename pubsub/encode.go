package pubsub

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/iotedgekit/uabridge/opcua"
	"github.com/pkg/errors"
)

// Network message header flags, version 1 with publisher id, group header
// and payload header enabled.
const (
	uadpVersion        = 0x01
	flagPublisherID    = 0x10
	flagGroupHeader    = 0x20
	flagPayloadHeader  = 0x40
	headerFlags   byte = uadpVersion | flagPublisherID | flagGroupHeader | flagPayloadHeader
)

// Dataset message header flags.
const (
	dsFlagValid    byte = 0x01
	dsFlagSequence byte = 0x02
	dsFlagKeyFrame byte = 0x04
)

// frame is one sampled dataset message before encoding. A key frame carries
// every field; a delta frame carries only the fields whose value changed
// since the previous cycle, addressed by their registration index.
type frame struct {
	publisherID   uint32
	writerGroupID uint16
	writerID      uint16
	groupVersion  uint32
	sequence      uint16
	keyFrame      bool
	indexes       []uint16
	names         []string
	values        []opcua.Variable
}

// encodeBinary renders the frame in the binary network message layout.
func (f *frame) encodeBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(headerFlags)
	le := binary.LittleEndian
	binary.Write(buf, le, f.publisherID)
	// group header
	binary.Write(buf, le, f.writerGroupID)
	binary.Write(buf, le, f.groupVersion)
	binary.Write(buf, le, uint16(1))
	binary.Write(buf, le, f.sequence)
	// payload header, a single dataset message
	buf.WriteByte(1)
	binary.Write(buf, le, f.writerID)
	// dataset message header
	dsFlags := dsFlagValid | dsFlagSequence
	if f.keyFrame {
		dsFlags |= dsFlagKeyFrame
	}
	buf.WriteByte(dsFlags)
	binary.Write(buf, le, f.sequence)
	binary.Write(buf, le, uint16(len(f.values)))
	for i, v := range f.values {
		if !f.keyFrame {
			binary.Write(buf, le, f.indexes[i])
		}
		if err := encodeValue(buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// encodeValue writes one type-tagged field value.
func encodeValue(buf *bytes.Buffer, v opcua.Variable) error {
	buf.WriteByte(byte(v.DataType()))
	le := binary.LittleEndian
	data := v.Data()
	switch val := data.(type) {
	case bool:
		buf.WriteByte(0)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case string:
		buf.WriteByte(0)
		binary.Write(buf, le, uint32(len(val)))
		buf.WriteString(val)
		return nil
	case int8, uint8, int16, uint16, int32, uint32, int64, uint64, float32, float64:
		buf.WriteByte(0)
		return binary.Write(buf, le, val)
	case []string:
		buf.WriteByte(1)
		binary.Write(buf, le, uint32(len(val)))
		for _, s := range val {
			binary.Write(buf, le, uint32(len(s)))
			buf.WriteString(s)
		}
		return nil
	case []int8, []uint8, []int16, []uint16, []int32, []uint32, []int64, []uint64, []float32, []float64:
		buf.WriteByte(1)
		binary.Write(buf, le, uint32(v.Size()))
		return binary.Write(buf, le, val)
	}
	return errors.Errorf("unsupported field value %T", data)
}

// jsonNetworkMessage mirrors the binary layout for the JSON profile,
// keyed payload instead of positional fields.
type jsonNetworkMessage struct {
	PublisherID     uint32         `json:"publisherId"`
	WriterGroupID   uint16         `json:"writerGroupId"`
	DataSetWriterID uint16         `json:"dataSetWriterId"`
	SequenceNumber  uint16         `json:"sequenceNumber"`
	MessageType     string         `json:"messageType"`
	Payload         map[string]any `json:"payload"`
}

func (f *frame) encodeJSON() ([]byte, error) {
	messageType := "ua-deltaframe"
	if f.keyFrame {
		messageType = "ua-keyframe"
	}
	payload := make(map[string]any, len(f.values))
	for i, v := range f.values {
		payload[f.names[i]] = v.Data()
	}
	b, err := json.Marshal(jsonNetworkMessage{
		PublisherID:     f.publisherID,
		WriterGroupID:   f.writerGroupID,
		DataSetWriterID: f.writerID,
		SequenceNumber:  f.sequence,
		MessageType:     messageType,
		Payload:         payload,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding JSON frame")
	}
	return b, nil
}
