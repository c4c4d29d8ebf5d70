package codec

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wolfeidau/appvault/metadata"
)

// Ledger message fields.
const (
	ledgerVersion  protowire.Number = 1
	ledgerToken    protowire.Number = 2
	ledgerTime     protowire.Number = 3
	ledgerPackages protowire.Number = 4
)

// Package entry message fields.
const (
	pkgName       protowire.Number = 1
	pkgTime       protowire.Number = 2
	pkgState      protowire.Number = 3
	pkgSystem     protowire.Number = 4
	pkgVersion    protowire.Number = 5
	pkgInstaller  protowire.Number = 6
	pkgSHA256     protowire.Number = 7
	pkgSignatures protowire.Number = 8
)

// marshalLedger writes m in protobuf wire format. Packages are written in
// name order so equal ledgers encode to equal payloads.
func marshalLedger(m *metadata.BackupMetadata) []byte {
	var b []byte
	b = appendVarint(b, ledgerVersion, uint64(m.Version))
	b = appendVarint(b, ledgerToken, m.Token)
	b = appendTime(b, ledgerTime, m.Time)

	for _, name := range m.PackageNames() {
		b = protowire.AppendTag(b, ledgerPackages, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPackage(name, m.Packages[name]))
	}
	return b
}

func marshalPackage(name string, p metadata.PackageMetadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, pkgName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = appendTime(b, pkgTime, p.Time)
	b = appendVarint(b, pkgState, uint64(p.State))
	b = appendVarint(b, pkgSystem, protowire.EncodeBool(p.System))
	if p.Version != nil {
		// Written even when zero so that presence survives a round trip.
		b = protowire.AppendTag(b, pkgVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*p.Version))
	}
	b = appendString(b, pkgInstaller, p.Installer)
	b = appendString(b, pkgSHA256, p.SHA256)
	for _, sig := range p.Signatures {
		b = protowire.AppendTag(b, pkgSignatures, protowire.BytesType)
		b = protowire.AppendString(b, sig)
	}
	return b
}

func unmarshalLedger(b []byte) (*metadata.BackupMetadata, error) {
	m := metadata.NewBackupMetadata(0)
	m.Version = 0

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == ledgerVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if v > 0xff {
				return nil, fmt.Errorf("ledger version %d out of range", v)
			}
			m.Version = uint8(v)
			b = b[n:]
		case num == ledgerToken && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Token = v
			b = b[n:]
		case num == ledgerTime && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Time = fromMillis(protowire.DecodeZigZag(v))
			b = b[n:]
		case num == ledgerPackages && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			name, p, err := unmarshalPackage(v)
			if err != nil {
				return nil, err
			}
			if _, dup := m.Packages[name]; dup {
				return nil, fmt.Errorf("duplicate package %q", name)
			}
			m.Packages[name] = p
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalPackage(b []byte) (string, metadata.PackageMetadata, error) {
	var (
		name    string
		hasName bool
		p       metadata.PackageMetadata
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", p, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return "", p, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case pkgTime:
				p.Time = fromMillis(protowire.DecodeZigZag(v))
			case pkgState:
				p.State = metadata.PackageState(v)
				if v > 0xff || !p.State.Valid() {
					return "", p, fmt.Errorf("unknown package state %d", v)
				}
			case pkgSystem:
				p.System = protowire.DecodeBool(v)
			case pkgVersion:
				p.Version = metadata.Int64(protowire.DecodeZigZag(v))
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", p, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case pkgName:
				name, hasName = v, true
			case pkgInstaller:
				p.Installer = v
			case pkgSHA256:
				p.SHA256 = v
			case pkgSignatures:
				p.Signatures = append(p.Signatures, v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", p, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if !hasName || name == "" {
		return "", p, errors.New("package entry without name")
	}
	return name, p, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendTime writes t as signed milliseconds since the epoch. The zero time
// is omitted, so presence of the field marks a set time, including the epoch.
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixMilli()))
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
