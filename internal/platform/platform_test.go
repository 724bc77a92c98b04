package platform

import (
	"strings"
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type PlatformSuite struct{}

var _ = Suite(&PlatformSuite{})

func (s *PlatformSuite) TestDefaultIs4K(c *C) {
	cfg := Default()
	c.Assert(cfg.Granule, Equals, Granule4K)
	c.Assert(cfg.VCPUMaxLocalIRQs, Equals, VCPUMaxLocalIRQsFixed)
}

func (s *PlatformSuite) TestLoadAppliesDescriptor(c *C) {
	yamlDoc := "nr_cpus: 4\nmax_physical_size: 1099511627776\ngranule: 16K\nvcpu_max_active_irqs: 8\n"
	cfg, err := Load(strings.NewReader(yamlDoc))
	c.Assert(err, IsNil)
	c.Assert(cfg.NRCPUs, Equals, 4)
	c.Assert(cfg.Granule, Equals, Granule16K)
	c.Assert(cfg.VCPUMaxActiveIRQs, Equals, 8)
}

func (s *PlatformSuite) TestLoadRejectsUnknownGranule(c *C) {
	_, err := Load(strings.NewReader("granule: 128K\n"))
	c.Assert(err, NotNil)
}

func (s *PlatformSuite) TestGranuleLayouts(c *C) {
	l4, err := Granule4K.Layout()
	c.Assert(err, IsNil)
	c.Assert(l4.L1Span, Equals, uint64(1*GiB))
	c.Assert(l4.L2BlockSize, Equals, uint64(2*MiB))
	c.Assert(l4.L2EntriesPerTable(), Equals, uint64(512))

	l16, _ := Granule16K.Layout()
	c.Assert(l16.L1Span, Equals, uint64(32*MiB))

	l64, _ := Granule64K.Layout()
	c.Assert(l64.L1Span, Equals, uint64(512*MiB))
}
