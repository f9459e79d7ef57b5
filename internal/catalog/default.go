package catalog

const (
	metaRules = "https://testingcf.jsdelivr.net/gh/MetaCubeX/meta-rules-dat@release/"
	metaDB    = "https://fastly.jsdelivr.net/gh/MetaCubeX/meta-rules-dat@release/"
	clashRule = "https://raw.githubusercontent.com/Loyalsoldier/clash-rules/release/"

	rulesDir = "clash-rules/"
)

// Default returns the built-in catalog. A new slice is returned on every call.
func Default() []ResourceItem {
	items := []ResourceItem{
		{SourceURL: metaRules + "geoip.dat", DestinationKey: rulesDir + "geoip.dat"},
		{SourceURL: metaRules + "geosite.dat", DestinationKey: rulesDir + "geosite.dat"},
		{SourceURL: metaDB + "geoip.metadb", DestinationKey: rulesDir + "geoip.metadb"},
	}
	for _, name := range []string{
		"direct.txt",
		"proxy.txt",
		"reject.txt",
		"private.txt",
		"apple.txt",
		"icloud.txt",
		"google.txt",
		"gfw.txt",
		"tld-not-cn.txt",
		"telegramcidr.txt",
		"lancidr.txt",
		"cncidr.txt",
		"applications.txt",
	} {
		items = append(items, ResourceItem{SourceURL: clashRule + name, DestinationKey: rulesDir + name})
	}
	return items
}
