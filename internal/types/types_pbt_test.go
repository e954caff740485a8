package types

import (
	"sort"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCompareTokenIDsMatchesNumericOrder(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("sorting decimal ids equals sorting the numbers", prop.ForAll(
		func(nums []uint32) bool {
			ids := make([]string, len(nums))
			for i, n := range nums {
				ids[i] = strconv.FormatUint(uint64(n), 10)
			}
			sort.Slice(ids, func(i, j int) bool { return CompareTokenIDs(ids[i], ids[j]) < 0 })
			sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

			for i, n := range nums {
				if ids[i] != strconv.FormatUint(uint64(n), 10) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt32()),
	))

	properties.TestingRun(t)
}

func TestPaginationCoversEveryItemOnce(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("page sizes sum to the total", prop.ForAll(
		func(total, perPage int) bool {
			p := NewPagination(1, perPage, total)
			sum := 0
			for page := 1; page <= p.TotalPages; page++ {
				start := (page - 1) * perPage
				end := start + perPage
				if end > total {
					end = total
				}
				sum += end - start
			}
			return sum == total
		},
		gen.IntRange(0, 500),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
