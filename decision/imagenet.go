package decision

// imageNetClasses is the output width of the ImageNet-1k classifiers this
// harness evaluates.
const imageNetClasses = 1000

// imageNet16 maps the 16 entry-level categories used by the psychophysics
// benchmarks onto their member ImageNet-1k class indices.
var imageNet16 = map[string][]int{
	"airplane": {404, 895},
	"bear":     {294, 295, 296, 297},
	"bicycle":  {444, 671},
	"bird": append(seq(7, 24),
		80, 81, 82, 83, 87, 88, 89, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100),
	"boat":     {472, 484, 554, 625, 780, 814, 914},
	"bottle":   {440, 720, 737, 898, 899, 907},
	"car":      {436, 511, 656, 661, 751, 817},
	"cat":      {281, 282, 283, 284, 285},
	"chair":    {423, 559, 765, 857},
	"clock":    {409, 530, 892},
	"dog":      append(seq(151, 210), seq(225, 268)...),
	"elephant": {385, 386},
	"keyboard": {508, 878},
	"knife":    {499, 623},
	"oven":     {544, 827},
	"truck":    {555, 569, 675, 717, 864, 867},
}

// ImageNet16 returns the standard 16-category decision mapping over
// ImageNet-1k class probabilities.
func ImageNet16() *CategoryMapping {
	return NewCategoryMapping(imageNetClasses, imageNet16)
}

func seq(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}
