// Package plan parses an instruction file into a sector-index to
// sector-image mapping, detecting overlap between the files it references.
package plan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"xtermost/internal/config"
	"xtermost/internal/xerrors"
)

// Instruction is a parsed (startingAddress, binaryPath) pair in file order.
type Instruction struct {
	Address uint32
	Path    string
}

// fileInterval is a half-open [Start, Start+Length) byte range tagged with
// the originating path, used only for overlap detection.
type fileInterval struct {
	Start  uint32
	Length uint32
	Path   string
}

func (fi fileInterval) end() uint32 { return fi.Start + fi.Length }

// Plan is the sector index -> sector image mapping PlanBuilder produces.
// Every image present is exactly config.SectorSize bytes.
type Plan map[uint16][]byte

// Parse reads an instruction file: `#`-prefixed lines are comments,
// otherwise a line is `0x<hex>` SPACE `<path>`, with path optionally quoted.
func Parse(path string) ([]Instruction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(xerrors.New(xerrors.Argument, "cannot open instruction file"), "%s: %v", path, err)
	}
	defer f.Close()

	var instructions []Instruction
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, xerrors.Newf(xerrors.Parse, "%s:%d: missing address/path separator: %q", path, lineNum, line)
		}
		addrToken, pathToken := line[:sp], line[sp+1:]

		addr, err := parseHexAddress(addrToken)
		if err != nil {
			return nil, xerrors.Newf(xerrors.Parse, "%s:%d: %v: %q", path, lineNum, err, line)
		}
		if addr >= config.FlashSize {
			return nil, xerrors.Newf(xerrors.InvalidPlan, "%s:%d: address 0x%X out of range [0, 0x%X)", path, lineNum, addr, config.FlashSize)
		}

		instructions = append(instructions, Instruction{Address: addr, Path: unquote(pathToken)})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return instructions, nil
}

func parseHexAddress(token string) (uint32, error) {
	lower := strings.ToLower(token)
	if !strings.HasPrefix(lower, "0x") {
		return 0, fmt.Errorf("address %q must start with 0x or 0X", token)
	}
	v, err := strconv.ParseUint(token[2:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid hex address %q: %w", token, err)
	}
	return uint32(v), nil
}

func unquote(token string) string {
	if len(token) >= 2 {
		first, last := token[0], token[len(token)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return token[1 : len(token)-1]
		}
	}
	return token
}

// Build turns instructions into a Plan, detecting overlap between the files
// referenced. allowOverlap controls whether overlap aborts (OverlapForbidden)
// or is logged and tolerated.
func Build(instructions []Instruction, allowOverlap bool) (Plan, error) {
	if len(instructions) == 0 {
		return nil, xerrors.New(xerrors.InvalidPlan, "instruction file contains no instructions")
	}

	intervals := make([]fileInterval, 0, len(instructions))
	for _, ins := range instructions {
		length, err := fileLength(ins.Path)
		if err != nil {
			return nil, err
		}
		if length == 0 {
			return nil, xerrors.Newf(xerrors.InvalidPlan, "%s is empty", ins.Path)
		}
		intervals = append(intervals, fileInterval{Start: ins.Address, Length: length, Path: ins.Path})
	}

	if err := checkOverlap(intervals, allowOverlap); err != nil {
		return nil, err
	}

	result := make(Plan)
	for _, ins := range instructions {
		if err := materialize(result, ins); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// checkOverlap sorts intervals by start address and scans adjacent pairs:
// two intervals overlap iff next.Start < prev.end(). This sorted-adjacency
// scan catches any overlap but, by design, doesn't guarantee reporting every
// pairwise overlap when three or more files overlap the same region. That's
// an accepted tradeoff, not a bug to chase down.
func checkOverlap(intervals []fileInterval, allow bool) error {
	sorted := make([]fileInterval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i := 1; i < len(sorted); i++ {
		prev, next := sorted[i-1], sorted[i]
		if next.Start < prev.end() {
			if !allow {
				return xerrors.Newf(xerrors.OverlapForbidden,
					"%s [0x%X, 0x%X) overlaps %s [0x%X, 0x%X)",
					prev.Path, prev.Start, prev.end(), next.Path, next.Start, next.end())
			}
			log.WithFields(log.Fields{
				"first":  prev.Path,
				"second": next.Path,
			}).Warn("instruction file overlap permitted by -o")
		}
	}
	return nil
}

// materialize reads ins.Path's bytes into the sector image(s) it touches,
// creating zero-filled images on first reference and overwriting whatever a
// prior instruction wrote there. Later instructions win on overlap because
// they run later in file order and write into the same backing images.
func materialize(p Plan, ins Instruction) error {
	f, err := os.Open(ins.Path)
	if err != nil {
		return errors.Wrapf(xerrors.New(xerrors.Argument, "cannot open binary file"), "%s: %v", ins.Path, err)
	}
	defer f.Close()

	sectorIndex := uint16(ins.Address / config.SectorSize)
	offset := int(ins.Address % config.SectorSize)

	image := p.sectorImage(sectorIndex)
	n, err := io.ReadFull(f, image[offset:])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return errors.Wrapf(err, "reading %s", ins.Path)
	}
	atEOF := n < config.SectorSize-offset

	buf := make([]byte, config.SectorSize)
	for !atEOF {
		n, err = io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errors.Wrapf(err, "reading %s", ins.Path)
		}
		if n == 0 {
			break
		}
		sectorIndex++
		copy(p.sectorImage(sectorIndex), buf[:n])
		atEOF = n < config.SectorSize
	}
	return nil
}

// sectorImage returns the existing image for index, or creates and stores a
// zero-filled one.
func (p Plan) sectorImage(index uint16) []byte {
	if img, ok := p[index]; ok {
		return img
	}
	img := make([]byte, config.SectorSize)
	p[index] = img
	return img
}

func fileLength(path string) (uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(xerrors.New(xerrors.Argument, "cannot stat binary file"), "%s: %v", path, err)
	}
	return uint32(info.Size()), nil
}
