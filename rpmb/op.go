// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmb

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameLength is the size of an RPMB data frame.
	FrameLength = 512
	// macOffset is the distance from the end of the frame to the first byte
	// covered by the MAC (the start of the Data field).
	macOffset = 284
)

// Request/response message types (JESD84-B51, Table 18).
const (
	AuthenticationKeyProgramming = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
	AuthenticatedDeviceConfigurationWrite
	AuthenticatedDeviceConfigurationRead
)

// Operation results (JESD84-B51, Table 20).
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

// OperationError reports a non-zero RPMB operation result.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("rpmb: operation failed (%#x)", e.Result)
}

// Config selects the protections applied to a single exchange.
type Config struct {
	// RequestMAC signs the request before sending.
	RequestMAC bool
	// ResponseMAC validates the response MAC.
	ResponseMAC bool
	// RandomNonce fills the request nonce.
	RandomNonce bool
	// ResultRead fetches the response through a result read request.
	ResultRead bool
}

// DataFrame is an RPMB data frame (JESD84-B51, Table 17), fields are stored
// in wire order.
type DataFrame struct {
	StuffBytes   [196]byte
	KeyMAC       [32]byte
	Data         [256]byte
	Nonce        [16]byte
	WriteCounter [4]byte
	Address      [2]byte
	BlockCount   [2]byte
	Result       [2]byte
	Resp         byte
	Req          byte
}

// Counter returns the data frame WriteCounter in uint32 format.
func (d *DataFrame) Counter() uint32 {
	return binary.BigEndian.Uint32(d.WriteCounter[:])
}

// Bytes converts the data frame structure to byte array format.
func (d *DataFrame) Bytes() []byte {
	buf := make([]byte, 0, FrameLength)

	buf = append(buf, d.StuffBytes[:]...)
	buf = append(buf, d.KeyMAC[:]...)
	buf = append(buf, d.Data[:]...)
	buf = append(buf, d.Nonce[:]...)
	buf = append(buf, d.WriteCounter[:]...)
	buf = append(buf, d.Address[:]...)
	buf = append(buf, d.BlockCount[:]...)
	buf = append(buf, d.Result[:]...)

	return append(buf, d.Resp, d.Req)
}

// parseFrame is the inverse of Bytes.
func parseFrame(buf []byte) (*DataFrame, error) {
	if len(buf) != FrameLength {
		return nil, fmt.Errorf("rpmb: invalid frame length %d", len(buf))
	}

	d := &DataFrame{}

	for _, f := range [][]byte{
		d.StuffBytes[:],
		d.KeyMAC[:],
		d.Data[:],
		d.Nonce[:],
		d.WriteCounter[:],
		d.Address[:],
		d.BlockCount[:],
		d.Result[:],
	} {
		buf = buf[copy(f, buf):]
	}

	d.Resp, d.Req = buf[0], buf[1]

	return d, nil
}

// reliable reports whether a request must be sent as a reliable write.
func reliable(kind byte) bool {
	switch kind {
	case AuthenticationKeyProgramming, AuthenticatedDataWrite, AuthenticatedDeviceConfigurationWrite:
		return true
	}

	return false
}

func (p *RPMB) sign(buf []byte) []byte {
	mac := hmac.New(sha256.New, p.key[:])
	mac.Write(buf[FrameLength-macOffset:])
	return mac.Sum(nil)
}

func (p *RPMB) op(req *DataFrame, cfg *Config) (*DataFrame, error) {
	p.Lock()
	defer p.Unlock()

	if !p.init {
		return nil, errors.New("rpmb: instance not initialized")
	}

	if cfg.RequestMAC {
		copy(req.KeyMAC[:], p.sign(req.Bytes()))
	}

	if cfg.RandomNonce {
		nonce, err := p.nonce(len(req.Nonce))

		if err != nil {
			return nil, err
		}

		copy(req.Nonce[:], nonce)
	}

	if err := p.card.WriteRPMB(req.Bytes(), reliable(req.Req)); err != nil {
		return nil, err
	}

	if cfg.ResultRead {
		rr := &DataFrame{Req: ResultRead}

		if err := p.card.WriteRPMB(rr.Bytes(), false); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, FrameLength)

	if err := p.card.ReadRPMB(buf); err != nil {
		return nil, err
	}

	res, err := parseFrame(buf)

	if err != nil {
		return nil, err
	}

	switch {
	case cfg.ResponseMAC && !hmac.Equal(res.KeyMAC[:], p.sign(buf)):
		return nil, errors.New("rpmb: invalid response MAC")
	case req.Req != res.Resp:
		return nil, errors.New("rpmb: request/response type mismatch")
	case req.Nonce != res.Nonce:
		return nil, errors.New("rpmb: nonce mismatch")
	}

	if result := binary.BigEndian.Uint16(res.Result[:]); result != OperationOK {
		return nil, &OperationError{Result: result}
	}

	return res, nil
}

func (p *RPMB) transfer(kind byte, offset uint16, buf []byte) error {
	if len(buf) > SectorSize {
		return fmt.Errorf("rpmb: transfer size must not exceed %d bytes", SectorSize)
	}

	cfg := &Config{
		RequestMAC:  true,
		ResponseMAC: true,
	}

	req := &DataFrame{Req: kind}

	if kind == AuthenticatedDataWrite {
		counter, err := p.Counter(true)

		if err != nil {
			return err
		}

		binary.BigEndian.PutUint32(req.WriteCounter[:], counter)
		cfg.ResultRead = true
	} else {
		cfg.RandomNonce = true
	}

	binary.BigEndian.PutUint16(req.BlockCount[:], 1)
	binary.BigEndian.PutUint16(req.Address[:], offset)
	copy(req.Data[:], buf)

	res, err := p.op(req, cfg)

	if err != nil {
		return err
	}

	if kind == AuthenticatedDataRead {
		copy(buf, res.Data[:])
		return nil
	}

	// a replayed or uncommitted write leaves the counter unchanged
	if res.Counter() != req.Counter()+1 {
		return errors.New("rpmb: write counter mismatch")
	}

	return nil
}

func (p *RPMB) nonce(n int) ([]byte, error) {
	if p.Nonce != nil {
		return p.Nonce(n)
	}

	buf := make([]byte, n)

	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	return buf, nil
}
