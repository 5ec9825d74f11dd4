package mirror

import (
	"github.com/oklog/ulid/v2"
)

// comparable. Ids are ordered by create time.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	u, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(u), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}
