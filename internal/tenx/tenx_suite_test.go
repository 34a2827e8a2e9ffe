package tenx_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTenx(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tenx Suite")
}
