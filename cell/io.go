package cell

import (
	"bufio"
	"io"

	"github.com/rivergate/shadowcircuit/xerr"
)

// Reader reads fixed-length cells from a buffered reader.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads one 514-byte cell: 4-byte CircID, 1-byte command, 509-byte payload.
func (cr *Reader) ReadCell() (Cell, error) {
	c := make(Cell, FixedCellLen)
	if _, err := io.ReadFull(cr.r, c); err != nil {
		return nil, xerr.New(xerr.Network, "cell.ReadCell", err)
	}
	return c, nil
}

// Writer writes fixed-length cells.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(c Cell) error {
	if len(c) != FixedCellLen {
		return xerr.New(xerr.InputFormat, "cell.WriteCell", io.ErrShortWrite)
	}
	_, err := cw.w.Write(c)
	if err != nil {
		return xerr.New(xerr.Network, "cell.WriteCell", err)
	}
	return nil
}
