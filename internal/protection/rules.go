package protection

// Scheme 加固方案特征
type Scheme struct {
	Name        string
	NativeLibs  []string // 特征 Native 库（前缀匹配，忽略版本后缀）
	StubClasses []string // 清单中作为 Application 的壳入口类
}

// builtinSchemes 内置加固特征表
func builtinSchemes() []Scheme {
	return []Scheme{
		{
			Name:        "360 Jiagu",
			NativeLibs:  []string{"libjiagu.so", "libjiagu_a64.so", "libjiagu_x86.so", "libjiagu_x64.so"},
			StubClasses: []string{"com.stub.StubApp"},
		},
		{
			Name:        "Tencent Legu",
			NativeLibs:  []string{"libshell.so", "libshellx.so", "libtxmsecurity.so"},
			StubClasses: []string{"com.tencent.StubShell.TxAppEntry"},
		},
		{
			Name:        "Ijiami",
			NativeLibs:  []string{"libexec.so", "libexecmain.so"},
			StubClasses: []string{"com.shell.SuperApplication"},
		},
		{
			Name:        "Bangcle",
			NativeLibs:  []string{"libDexHelper.so", "libSecShell.so"},
			StubClasses: []string{"com.secneo.apkwrapper.ApplicationWrapper"},
		},
		{
			Name:        "Naga",
			NativeLibs:  []string{"libnaga.so", "libddog.so", "libedog.so"},
			StubClasses: []string{"com.nagapt.protect.StubApplication"},
		},
		{
			Name:        "NetEase Yidun",
			NativeLibs:  []string{"libnesec.so", "libNetHTProtect.so"},
			StubClasses: []string{"com.netease.nis.wrapper.MyApplication"},
		},
		{
			Name:        "Alibaba Security",
			NativeLibs:  []string{"libmobisec.so", "libsgmain.so"},
			StubClasses: []string{},
		},
		{
			Name:        "Baidu Protect",
			NativeLibs:  []string{"libbaiduprotect.so"},
			StubClasses: []string{"com.baidu.protect.StubApplication"},
		},
		{
			Name:        "Payegis",
			NativeLibs:  []string{"libegis.so", "libNSaferOnly.so"},
			StubClasses: []string{"com.payegis.protect.StubApp"},
		},
		{
			Name:        "Kiwisec",
			NativeLibs:  []string{"libkwscmm.so", "libkwscr.so"},
			StubClasses: []string{"com.kiwisec.android.loader.KWLoader"},
		},
		{
			Name:        "DexProtector",
			NativeLibs:  []string{"libdexprotector.so"},
			StubClasses: []string{},
		},
		{
			Name:        "AppSealing",
			NativeLibs:  []string{"libAppSealing.so", "libAppSealingCore.so"},
			StubClasses: []string{},
		},
	}
}
