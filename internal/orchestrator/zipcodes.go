package orchestrator

// DefaultZipCodes covers the largest US metro areas, ten zip codes each.
var DefaultZipCodes = []string{
	// New York
	"10001", "10002", "10003", "10011", "10016", "10019", "10025", "10128", "11201", "11215",
	// Los Angeles
	"90001", "90012", "90024", "90034", "90045", "90210", "90291", "91101", "91401", "90802",
	// Chicago
	"60601", "60605", "60611", "60614", "60618", "60622", "60637", "60647", "60657", "60201",
	// Houston
	"77002", "77004", "77006", "77019", "77024", "77030", "77057", "77079", "77096", "77380",
	// Phoenix and Tucson
	"85003", "85004", "85008", "85016", "85018", "85032", "85251", "85281", "85301", "85710",
	// Philadelphia
	"19102", "19103", "19104", "19106", "19107", "19123", "19130", "19146", "19147", "19010",
	// San Antonio and Austin
	"78201", "78205", "78209", "78216", "78701", "78702", "78704", "78745", "78751", "78758",
	// San Diego
	"92101", "92103", "92104", "92108", "92109", "92115", "92117", "92122", "92130", "91910",
	// Dallas and Fort Worth
	"75201", "75204", "75206", "75214", "75219", "75225", "75230", "76102", "76107", "75001",
	// Bay Area
	"95112", "95125", "95128", "94102", "94103", "94107", "94110", "94114", "94301", "94601",
	// Seattle
	"98101", "98102", "98103", "98104", "98105", "98109", "98112", "98115", "98122", "98004",
	// Denver and Boulder
	"80202", "80203", "80205", "80206", "80209", "80210", "80211", "80218", "80220", "80301",
	// Boston
	"02108", "02110", "02114", "02115", "02116", "02118", "02134", "02139", "02140", "02215",
	// Atlanta
	"30303", "30305", "30306", "30307", "30308", "30309", "30312", "30318", "30324", "30030",
	// Miami and Fort Lauderdale
	"33101", "33125", "33128", "33130", "33131", "33133", "33139", "33145", "33156", "33301",
	// Minneapolis and St. Paul
	"55401", "55403", "55404", "55405", "55408", "55414", "55101", "55102", "55104", "55105",
	// Washington
	"20001", "20002", "20003", "20005", "20008", "20009", "20010", "20016", "20036", "22201",
	// Detroit and Ann Arbor
	"48201", "48202", "48207", "48226", "48103", "48104", "48009", "48067", "48075", "48120",
	// Portland
	"97201", "97202", "97205", "97209", "97210", "97211", "97212", "97214", "97217", "97232",
	// Nashville, Charlotte, Indianapolis, Columbus, Kansas City
	"37203", "37206", "37212", "28202", "28203", "28204", "28205", "46204", "43215", "64105",
}
